package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/api"
	"github.com/Utitofon-Udoekong/nexushield/internal/applier"
	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/metrics"
	"github.com/Utitofon-Udoekong/nexushield/internal/sampler"
	"github.com/Utitofon-Udoekong/nexushield/internal/schedule"
	"github.com/Utitofon-Udoekong/nexushield/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start NexuShield server",
	Long:  `Start the lease API, the lifecycle sweep, the schedule engine, the metrics sampler and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting NexuShield")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx := context.Background()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("allocator", cfg.Allocator.BaseURL).
		Msg("Storage and allocator initialized")

	// Write peer configs for the local tunnel
	if cfg.Applier.Enabled {
		fileApplier, err := applier.NewFileApplier(cfg.Applier.ConfigDir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize peer applier: %w", err)
		}
		svc.manager.AddListener(fileApplier)
		logger.Info().Str("dir", cfg.Applier.ConfigDir).Msg("Peer applier enabled")
	}

	// Re-arm deferred actions lost with the previous process
	recoverCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if err := svc.manager.Recover(recoverCtx); err != nil {
		logger.Error().Err(err).Msg("Lease recovery incomplete, sweep will retry")
	}
	cancel()

	svc.manager.Start()

	var engine *schedule.Engine
	if cfg.Schedule.Enabled {
		loc, err := time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return fmt.Errorf("invalid schedule timezone: %w", err)
		}
		engine = schedule.NewEngine(svc.store.Schedules(), svc.manager, schedule.Config{
			TickInterval: config.Duration(cfg.Schedule.TickInterval, time.Minute),
			Location:     loc,
			Concurrency:  cfg.Schedule.Concurrency,
		}, clock.RealClock{}, logger)
		engine.Start()
	}

	probeTimeout := config.Duration(cfg.Sampler.Timeout, 30*time.Second)
	probe := sampler.NewHTTPProbe(sampler.ProbeConfig{
		ProbeURL:    cfg.Sampler.ProbeURL,
		DownloadURL: cfg.Sampler.DownloadURL,
		UploadURL:   cfg.Sampler.UploadURL,
		Count:       cfg.Sampler.ProbeCount,
		UploadBytes: cfg.Sampler.UploadBytes,
	}, &http.Client{Timeout: probeTimeout})

	metricsSampler := sampler.New(svc.store.Samples(), svc.manager, probe, sampler.Config{
		Interval: config.Duration(cfg.Sampler.Interval, 5*time.Minute),
		Timeout:  probeTimeout,
	}, clock.RealClock{}, logger)
	if cfg.Sampler.Enabled {
		metricsSampler.Start()
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		OwnerHeader:     cfg.Server.OwnerHeader,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: config.Duration(cfg.Server.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, svc.manager, svc.allocator, metricsSampler, svc.schedules, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiAddr).
		Int("metrics_port", cfg.Server.MetricsPort).
		Bool("schedules", cfg.Schedule.Enabled).
		Bool("sampler", cfg.Sampler.Enabled).
		Msg("NexuShield startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogStop := make(chan struct{})
	if cfg.Systemd.Watchdog {
		go systemd.RunWatchdog(watchdogStop, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, sweeping leases")
			_ = systemd.NotifyReloading()
			svc.manager.TriggerSweep()
			_ = systemd.NotifyReady()
			continue
		}

		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping")
		break
	}

	signal.Stop(sigChan)
	close(watchdogStop)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if engine != nil {
		engine.Stop()
	}
	metricsSampler.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("NexuShield stopped")

	return nil
}
