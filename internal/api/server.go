package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	OwnerHeader     string
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

// Server represents the lease API HTTP server.
type Server struct {
	config      Config
	rateLimiter *RateLimiter
	router      *mux.Router
	server      *http.Server
	listener    net.Listener // set when systemd passes a socket
	logger      zerolog.Logger

	vpn       *VPNHandler
	schedules *ScheduleHandler
}

// NewServer creates a new API server.
func NewServer(cfg Config, leases LeaseManager, regions RegionSource, samples SampleRecorder, schedules ScheduleManager, logger zerolog.Logger) *Server {
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = "X-Owner-ID"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	logger = logger.With().Str("component", "api").Logger()

	s := &Server{
		config:      cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger,
		vpn:         NewVPNHandler(leases, regions, samples, logger),
		schedules:   NewScheduleHandler(schedules, logger),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	vpn := s.router.PathPrefix("/api/vpn").Subrouter()
	vpn.Use(OwnerMiddleware(s.config.OwnerHeader))
	vpn.Use(RateLimitMiddleware(s.rateLimiter))

	vpn.HandleFunc("/connect", s.vpn.Connect).Methods("POST")
	vpn.HandleFunc("/disconnect", s.vpn.Disconnect).Methods("POST")
	vpn.HandleFunc("/renew", s.vpn.Renew).Methods("POST")
	vpn.HandleFunc("/status", s.vpn.Status).Methods("GET")
	vpn.HandleFunc("/history", s.vpn.History).Methods("GET")
	vpn.HandleFunc("/countries", s.vpn.Countries).Methods("GET")
	vpn.HandleFunc("/metrics", s.vpn.Metrics).Methods("GET")
	vpn.HandleFunc("/metrics", s.vpn.RecordMetrics).Methods("POST")
	vpn.HandleFunc("/events", s.vpn.Events).Methods("GET")

	vpn.HandleFunc("/schedules", s.schedules.List).Methods("GET")
	vpn.HandleFunc("/schedules", s.schedules.Create).Methods("POST")
	vpn.HandleFunc("/schedules/{id}", s.schedules.Delete).Methods("DELETE")
	vpn.HandleFunc("/schedules/{id}/active", s.schedules.SetActive).Methods("PUT")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the full middleware chain. CORS wraps the router so
// preflight requests never reach route matching.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if len(s.config.AllowedOrigins) > 0 {
		h = CORSMiddleware(s.config.AllowedOrigins, s.config.OwnerHeader)(h)
	}
	return middleware.RequestID(middleware.Recoverer(h))
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves the API in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return err
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	s.rateLimiter.Stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
