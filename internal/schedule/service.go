package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalid wraps every schedule validation failure.
var ErrInvalid = errors.New("invalid schedule")

// EventRecorder appends audit events for an owner.
type EventRecorder interface {
	RecordEvent(ctx context.Context, owner string, eventType storage.EventType, details map[string]string)
}

// Service manages schedule records on behalf of owners.
type Service struct {
	store    storage.ScheduleStore
	recorder EventRecorder
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewService creates a schedule service
func NewService(store storage.ScheduleStore, recorder EventRecorder, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:    store,
		recorder: recorder,
		clock:    clk,
		logger:   logger.With().Str("component", "schedule-service").Logger(),
	}
}

// Create validates and stores a new active schedule.
func (s *Service) Create(ctx context.Context, owner, region, start, end string, weekdays []int) (*storage.Schedule, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalid)
	}
	if !strings.EqualFold(region, "any") {
		region = strings.ToUpper(region)
	} else {
		region = "any"
	}

	startH, startM, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	endH, endM, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	if startH == endH && startM == endM {
		return nil, fmt.Errorf("%w: start and end must differ", ErrInvalid)
	}

	days, err := normalizeWeekdays(weekdays)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	schedule := storage.Schedule{
		ID:        uuid.NewString(),
		Owner:     owner,
		Region:    region,
		Start:     fmt.Sprintf("%02d:%02d", startH, startM),
		End:       fmt.Sprintf("%02d:%02d", endH, endM),
		Weekdays:  days,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Put(ctx, schedule); err != nil {
		return nil, fmt.Errorf("store schedule: %w", err)
	}

	s.logger.Info().
		Str("owner", owner).
		Str("schedule_id", schedule.ID).
		Str("window", schedule.Start+"-"+schedule.End).
		Msg("Schedule created")

	s.recorder.RecordEvent(ctx, owner, storage.EventScheduleCreated, map[string]string{
		"schedule_id": schedule.ID,
		"region":      schedule.Region,
		"start_time":  schedule.Start,
		"end_time":    schedule.End,
	})

	return &schedule, nil
}

// Delete removes one of the owner's schedules.
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	if err := s.store.Delete(ctx, id, owner); err != nil {
		return err
	}

	s.recorder.RecordEvent(ctx, owner, storage.EventScheduleDeleted, map[string]string{
		"schedule_id": id,
	})
	return nil
}

// List returns the owner's schedules.
func (s *Service) List(ctx context.Context, owner string) ([]storage.Schedule, error) {
	return s.store.ListByOwner(ctx, owner)
}

// SetActive enables or disables one of the owner's schedules.
func (s *Service) SetActive(ctx context.Context, id, owner string, active bool) (*storage.Schedule, error) {
	schedule, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.Owner != owner {
		return nil, storage.ErrNotFound
	}

	now := s.clock.Now().UTC()
	if err := s.store.SetActive(ctx, id, active, now); err != nil {
		return nil, err
	}

	schedule.Active = active
	schedule.UpdatedAt = now
	return schedule, nil
}

func normalizeWeekdays(raw []int) ([]time.Weekday, error) {
	seen := make(map[int]bool)
	days := make([]time.Weekday, 0, len(raw))
	for _, d := range raw {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("%w: weekday %d out of range 0..6", ErrInvalid, d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, time.Weekday(d))
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}
