package bolt

import (
	"context"
	"sort"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"go.etcd.io/bbolt"
)

type scheduleStore struct {
	db *bbolt.DB
}

func (s *scheduleStore) Put(ctx context.Context, schedule storage.Schedule) error {
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return writeValue(tx.Bucket([]byte(bucketSchedules)), schedule.ID, schedule)
	})
}

func (s *scheduleStore) Get(ctx context.Context, id string) (*storage.Schedule, error) {
	return getBucketValue[storage.Schedule](ctx, s.db, bucketSchedules, id)
}

func (s *scheduleStore) Delete(ctx context.Context, id, owner string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSchedules))
		schedule, err := readValue[storage.Schedule](b, id)
		if err != nil {
			return err
		}
		if schedule.Owner != owner {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *scheduleStore) List(ctx context.Context) ([]storage.Schedule, error) {
	schedules, err := listBucket[storage.Schedule](ctx, s.db, bucketSchedules)
	if err != nil {
		return nil, err
	}
	sortSchedules(schedules)
	return schedules, nil
}

func (s *scheduleStore) ListByOwner(ctx context.Context, owner string) ([]storage.Schedule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]storage.Schedule, 0)
	for _, schedule := range all {
		if schedule.Owner == owner {
			out = append(out, schedule)
		}
	}
	return out, nil
}

func (s *scheduleStore) RecordFiring(ctx context.Context, id string, fired storage.Firing, lastError string, at time.Time) error {
	return s.update(ctx, id, func(schedule *storage.Schedule) {
		schedule.LastFired = fired
		schedule.LastError = lastError
		schedule.UpdatedAt = at
	})
}

func (s *scheduleStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.update(ctx, id, func(schedule *storage.Schedule) {
		schedule.Active = active
		schedule.UpdatedAt = at
	})
}

func (s *scheduleStore) update(ctx context.Context, id string, apply func(*storage.Schedule)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSchedules))
		schedule, err := readValue[storage.Schedule](b, id)
		if err != nil {
			return err
		}
		apply(schedule)
		return writeValue(b, id, schedule)
	})
}

func sortSchedules(schedules []storage.Schedule) {
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
}
