package schedule

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
	"golang.org/x/sync/errgroup"
)

// Controller is the subset of the lifecycle manager the engine drives.
type Controller interface {
	EventRecorder
	Connect(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error)
	Disconnect(ctx context.Context, owner string) error
}

// Config holds engine settings
type Config struct {
	TickInterval time.Duration
	Location     *time.Location
	Concurrency  int
}

// Engine fires schedule edges against the lifecycle manager.
type Engine struct {
	store      storage.ScheduleStore
	controller Controller
	clock      clock.Clock
	config     Config
	logger     zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a schedule engine
func NewEngine(store storage.ScheduleStore, controller Controller, cfg Config, clk clock.Clock, logger zerolog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Engine{
		store:      store,
		controller: controller,
		clock:      clk,
		config:     cfg,
		logger:     logger.With().Str("component", "schedule-engine").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start evaluates once immediately and then on every tick.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.Info().
		Dur("tick_interval", e.config.TickInterval).
		Str("timezone", e.config.Location.String()).
		Msg("Schedule engine started")
}

// Stop stops the engine and waits for an in-flight evaluation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		e.logger.Info().Msg("Schedule engine stopped")
	})
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.TickInterval)
		if err := e.Evaluate(ctx, e.clock.Now()); err != nil {
			e.logger.Error().Err(err).Msg("Schedule evaluation failed")
		}
		cancel()

		select {
		case <-ticker.C:
		case <-e.stopChan:
			return
		}
	}
}

// Evaluate fires every schedule edge due at now.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() {
		metrics.ScheduleEvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	schedules, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)

	for i := range schedules {
		s := schedules[i]
		if !s.Active {
			continue
		}
		g.Go(func() error {
			return e.evaluateOne(ctx, &s, now)
		})
	}

	return g.Wait()
}

func (e *Engine) evaluateOne(ctx context.Context, s *storage.Schedule, now time.Time) error {
	occs, err := occurrences(s, now, e.config.Location)
	if err != nil {
		e.logger.Error().Err(err).Str("schedule_id", s.ID).Msg("Skipping malformed schedule")
		return nil
	}

	// A one-shot whose occurrence has aged out fired while the engine was down
	if s.OneShot() && !s.LastFired.IsZero() && len(occs) > 0 && s.LastFired.Date < occs[0].date {
		if err := e.store.SetActive(ctx, s.ID, false, now); err != nil {
			return fmt.Errorf("deactivate one-shot schedule %s: %w", s.ID, err)
		}
		return nil
	}

	for _, occ := range occs {
		startKey := occ.firing(storage.EdgeStart)
		endKey := occ.firing(storage.EdgeEnd)

		switch {
		case !now.Before(occ.start) && now.Before(occ.end) && s.LastFired != startKey && s.LastFired != endKey:
			_, err := e.controller.Connect(ctx, s.Owner, s.Region, minutesUntil(occ.end, now))
			if err := e.record(ctx, s, startKey, err, now); err != nil {
				return err
			}

		case !now.Before(occ.end) && s.LastFired == startKey:
			err := e.controller.Disconnect(ctx, s.Owner)
			if errors.Is(err, lifecycle.ErrNotConnected) {
				err = nil
			}
			if err := e.record(ctx, s, endKey, err, now); err != nil {
				return err
			}

			if s.OneShot() {
				if err := e.store.SetActive(ctx, s.ID, false, now); err != nil {
					return fmt.Errorf("deactivate one-shot schedule %s: %w", s.ID, err)
				}
				s.Active = false
				e.logger.Info().Str("schedule_id", s.ID).Msg("One-shot schedule completed")
				return nil
			}
		}
	}
	return nil
}

// record persists a firing whether or not the action succeeded.
func (e *Engine) record(ctx context.Context, s *storage.Schedule, fired storage.Firing, actionErr error, now time.Time) error {
	lastError := ""
	result := "ok"
	if actionErr != nil {
		lastError = actionErr.Error()
		result = "error"

		e.logger.Warn().
			Err(actionErr).
			Str("schedule_id", s.ID).
			Str("owner", s.Owner).
			Str("edge", string(fired.Edge)).
			Msg("Scheduled action failed")

		e.controller.RecordEvent(ctx, s.Owner, storage.EventScheduleFailed, map[string]string{
			"schedule_id": s.ID,
			"edge":        string(fired.Edge),
			"date":        fired.Date,
			"error":       lastError,
		})
	} else {
		e.logger.Info().
			Str("schedule_id", s.ID).
			Str("owner", s.Owner).
			Str("edge", string(fired.Edge)).
			Str("date", fired.Date).
			Msg("Schedule edge fired")
	}
	metrics.ScheduleFiringsTotal.WithLabelValues(string(fired.Edge), result).Inc()

	s.LastFired = fired
	s.LastError = lastError
	if err := e.store.RecordFiring(ctx, s.ID, fired, lastError, now); err != nil {
		return fmt.Errorf("record firing for schedule %s: %w", s.ID, err)
	}
	return nil
}
