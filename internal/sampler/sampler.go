package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/lifecycle"
	"github.com/Utitofon-Udoekong/nexushield/internal/metrics"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/rs/zerolog"
)

// Probe takes one measurement over the current tunnel.
type Probe interface {
	Measure(ctx context.Context) (*storage.MetricSample, error)
}

// LeaseSource exposes the lifecycle manager's view of live leases.
type LeaseSource interface {
	Owners(ctx context.Context) ([]string, error)
	GetStatus(ctx context.Context, owner string) (*storage.Lease, error)
}

// Config holds sampler settings
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Sampler attaches periodic measurements to active leases.
type Sampler struct {
	samples storage.SampleStore
	source  LeaseSource
	probe   Probe
	clock   clock.Clock
	config  Config
	logger  zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a sampler
func New(samples storage.SampleStore, source LeaseSource, probe Probe, cfg Config, clk clock.Clock, logger zerolog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Sampler{
		samples:  samples,
		source:   source,
		probe:    probe,
		clock:    clk,
		config:   cfg,
		logger:   logger.With().Str("component", "sampler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start samples on every interval in the background.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Metrics sampler started")
}

// Stop stops the sampler
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info().Msg("Metrics sampler stopped")
	})
}

func (s *Sampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Sampling pass failed")
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Tick samples every owner holding an active lease and returns how many
// samples were stored. Probe failures are logged and skipped.
func (s *Sampler) Tick(ctx context.Context) (int, error) {
	owners, err := s.source.Owners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list owners: %w", err)
	}

	stored := 0
	for _, owner := range owners {
		lease, err := s.source.GetStatus(ctx, owner)
		if errors.Is(err, lifecycle.ErrNotConnected) {
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("owner", owner).Msg("Failed to load lease status")
			continue
		}
		// Expiring leases are about to go away
		if lease.State != storage.StateActive {
			continue
		}

		if s.sample(ctx, lease) {
			stored++
		}
	}
	return stored, nil
}

func (s *Sampler) sample(ctx context.Context, lease *storage.Lease) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	sample, err := s.probe.Measure(probeCtx)
	if err != nil {
		metrics.SamplesTotal.WithLabelValues("probe_error").Inc()
		s.logger.Warn().
			Err(err).
			Str("owner", lease.Owner).
			Str("lease_id", lease.ID).
			Msg("Probe failed, skipping sample")
		return false
	}

	if err := s.RecordSample(ctx, lease.ID, *sample); err != nil {
		s.logger.Error().Err(err).Str("lease_id", lease.ID).Msg("Failed to store sample")
		return false
	}
	return true
}

// RecordSample appends a sample to a lease's history.
func (s *Sampler) RecordSample(ctx context.Context, leaseID string, sample storage.MetricSample) error {
	if leaseID == "" {
		return fmt.Errorf("lease id is required")
	}
	sample.LeaseID = leaseID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now().UTC()
	}

	if err := s.samples.Append(ctx, sample); err != nil {
		metrics.SamplesTotal.WithLabelValues("store_error").Inc()
		return err
	}

	metrics.SamplesTotal.WithLabelValues("ok").Inc()
	if sample.LatencyMS > 0 {
		metrics.SampleLatency.Observe(sample.LatencyMS)
	}

	s.logger.Debug().
		Str("lease_id", leaseID).
		Float64("download_bps", sample.DownloadBps).
		Float64("latency_ms", sample.LatencyMS).
		Msg("Sample recorded")
	return nil
}

// History returns a lease's samples, newest first.
func (s *Sampler) History(ctx context.Context, leaseID string, limit int) ([]storage.MetricSample, error) {
	return s.samples.List(ctx, leaseID, limit)
}
