package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/redis/go-redis/v9"
)

type scheduleStore struct {
	client       *redis.Client
	updateScript *redis.Script
}

// Put creates or updates a schedule
func (s *scheduleStore) Put(ctx context.Context, schedule storage.Schedule) error {
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, scheduleKey(schedule.ID),
			"id", schedule.ID,
			"owner", schedule.Owner,
			"region", schedule.Region,
			"start", schedule.Start,
			"end", schedule.End,
			"weekdays", formatWeekdays(schedule.Weekdays),
			"active", strconv.FormatBool(schedule.Active),
			"last_fired_date", schedule.LastFired.Date,
			"last_fired_edge", string(schedule.LastFired.Edge),
			"last_error", schedule.LastError,
			"created_at", formatTime(schedule.CreatedAt),
			"updated_at", formatTime(schedule.UpdatedAt),
		)
		pipe.SAdd(ctx, schedulesKey(), schedule.ID)
		pipe.SAdd(ctx, ownerSchedulesKey(schedule.Owner), schedule.ID)
		return nil
	})
	return err
}

// Get retrieves a schedule by ID
func (s *scheduleStore) Get(ctx context.Context, id string) (*storage.Schedule, error) {
	data, err := s.client.HGetAll(ctx, scheduleKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseSchedule(data)
}

// Delete removes a schedule owned by owner
func (s *scheduleStore) Delete(ctx context.Context, id, owner string) error {
	stored, err := s.client.HGet(ctx, scheduleKey(id), "owner").Result()
	if err == redis.Nil || (err == nil && stored != owner) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scheduleKey(id))
		pipe.SRem(ctx, schedulesKey(), id)
		pipe.SRem(ctx, ownerSchedulesKey(owner), id)
		return nil
	})
	return err
}

// List returns all schedules
func (s *scheduleStore) List(ctx context.Context) ([]storage.Schedule, error) {
	ids, err := s.client.SMembers(ctx, schedulesKey()).Result()
	if err != nil {
		return nil, err
	}

	return s.fetch(ctx, ids)
}

// ListByOwner returns the owner's schedules
func (s *scheduleStore) ListByOwner(ctx context.Context, owner string) ([]storage.Schedule, error) {
	ids, err := s.client.SMembers(ctx, ownerSchedulesKey(owner)).Result()
	if err != nil {
		return nil, err
	}

	return s.fetch(ctx, ids)
}

// RecordFiring stores the last edge acted on and its outcome
func (s *scheduleStore) RecordFiring(ctx context.Context, id string, fired storage.Firing, lastError string, at time.Time) error {
	return s.update(ctx, id,
		"last_fired_date", fired.Date,
		"last_fired_edge", string(fired.Edge),
		"last_error", lastError,
		"updated_at", formatTime(at),
	)
}

// SetActive enables or disables a schedule
func (s *scheduleStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.update(ctx, id,
		"active", strconv.FormatBool(active),
		"updated_at", formatTime(at),
	)
}

func (s *scheduleStore) update(ctx context.Context, id string, values ...interface{}) error {
	result, err := s.updateScript.Run(ctx, s.client, []string{scheduleKey(id)}, values...).Text()
	if err != nil {
		return err
	}

	switch result {
	case "OK":
		return nil
	case "NOT_FOUND":
		return storage.ErrNotFound
	default:
		return fmt.Errorf("unexpected schedule update result %q", result)
	}
}

func (s *scheduleStore) fetch(ctx context.Context, ids []string) ([]storage.Schedule, error) {
	if len(ids) == 0 {
		return []storage.Schedule{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, scheduleKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	schedules := make([]storage.Schedule, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		schedule, err := parseSchedule(data)
		if err == nil {
			schedules = append(schedules, *schedule)
		}
	}

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules, nil
}
