package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/lifecycle"
	"github.com/Utitofon-Udoekong/nexushield/internal/schedule"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage/bolt"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage/postgres"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage/redis"
	"github.com/rs/zerolog"
)

// services holds the components shared by the server and the admin commands.
type services struct {
	store     storage.Store
	allocator *allocator.Client
	manager   *lifecycle.Manager
	schedules *schedule.Service
}

func openServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	clk := clock.RealClock{}

	alloc, err := allocator.New(cfg.Allocator, clk, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize allocator client: %w", err)
	}

	manager := lifecycle.New(store, alloc, lifecycle.Config{
		WarningThreshold:    config.Duration(cfg.Lease.WarningThreshold, lifecycle.DefaultWarningThreshold),
		SweepInterval:       config.Duration(cfg.Lease.SweepInterval, lifecycle.DefaultSweepInterval),
		StatusCacheSize:     cfg.Lease.StatusCacheSize,
		StatusCacheTTL:      config.Duration(cfg.Lease.StatusCacheTTL, 10*time.Second),
		DefaultLeaseMinutes: cfg.Allocator.DefaultLeaseMinutes,
	}, clk, logger)

	return &services{
		store:     store,
		allocator: alloc,
		manager:   manager,
		schedules: schedule.NewService(store.Schedules(), manager, clk, logger),
	}, nil
}

// Close stops deferred lease actions and releases the store.
func (s *services) Close() error {
	s.manager.Stop()
	return s.store.Close()
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Bolt.Path)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot admin commands.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
