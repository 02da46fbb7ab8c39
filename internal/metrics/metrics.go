package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Allocator metrics
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushield_allocations_total",
			Help: "Allocator requests by result",
		},
		[]string{"result"},
	)

	AllocatorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexushield_allocator_request_duration_seconds",
			Help:    "Allocator request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"format"},
	)

	// Lease metrics
	LeaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushield_lease_transitions_total",
			Help: "Lease state transitions by target state",
		},
		[]string{"state"},
	)

	ActiveLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexushield_active_leases",
			Help: "Number of live (active or expiring) leases",
		},
	)

	ConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexushield_connect_duration_seconds",
			Help:    "Time taken to connect an owner, including allocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	StatusCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushield_status_cache_hits_total",
			Help: "Status cache hits",
		},
	)

	StatusCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushield_status_cache_misses_total",
			Help: "Status cache misses",
		},
	)

	// Schedule metrics
	ScheduleFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushield_schedule_firings_total",
			Help: "Schedule edges fired by edge and result",
		},
		[]string{"edge", "result"},
	)

	ScheduleEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexushield_schedule_evaluation_duration_seconds",
			Help:    "Duration of one schedule evaluation pass",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	// Sampler metrics
	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushield_samples_total",
			Help: "Metric samples taken by result",
		},
		[]string{"result"},
	)

	SampleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexushield_sample_latency_milliseconds",
			Help:    "Measured tunnel latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushield_api_requests_total",
			Help: "Total API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexushield_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		AllocationsTotal,
		AllocatorRequestDuration,
		LeaseTransitionsTotal,
		ActiveLeases,
		ConnectDuration,
		StatusCacheHits,
		StatusCacheMisses,
		ScheduleFiringsTotal,
		ScheduleEvaluationDuration,
		SamplesTotal,
		SampleLatency,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // set when systemd passes a socket
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the server's mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves metrics in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
