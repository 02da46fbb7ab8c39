package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, owner, region, start_time, end_time, weekdays, active,
	last_fired_date, last_fired_edge, last_error, created_at, updated_at`

type scheduleStore struct {
	db DB
}

func scanSchedule(row pgx.Row) (*storage.Schedule, error) {
	var (
		s        storage.Schedule
		weekdays []int32
		edge     string
	)
	err := row.Scan(&s.ID, &s.Owner, &s.Region, &s.Start, &s.End, &weekdays, &s.Active,
		&s.LastFired.Date, &edge, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastFired.Edge = storage.Edge(edge)
	for _, d := range weekdays {
		s.Weekdays = append(s.Weekdays, time.Weekday(d))
	}
	return &s, nil
}

func (s *scheduleStore) Put(ctx context.Context, schedule storage.Schedule) error {
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}

	weekdays := make([]int32, len(schedule.Weekdays))
	for i, d := range schedule.Weekdays {
		weekdays[i] = int32(d)
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   region = EXCLUDED.region,
		   start_time = EXCLUDED.start_time,
		   end_time = EXCLUDED.end_time,
		   weekdays = EXCLUDED.weekdays,
		   active = EXCLUDED.active,
		   last_fired_date = EXCLUDED.last_fired_date,
		   last_fired_edge = EXCLUDED.last_fired_edge,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at`,
		schedule.ID, schedule.Owner, schedule.Region, schedule.Start, schedule.End, weekdays, schedule.Active,
		schedule.LastFired.Date, string(schedule.LastFired.Edge), schedule.LastError,
		schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

func (s *scheduleStore) Get(ctx context.Context, id string) (*storage.Schedule, error) {
	schedule, err := scanSchedule(s.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return schedule, nil
}

func (s *scheduleStore) Delete(ctx context.Context, id, owner string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *scheduleStore) List(ctx context.Context) ([]storage.Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

func (s *scheduleStore) ListByOwner(ctx context.Context, owner string) ([]storage.Schedule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("list schedules by owner: %w", err)
	}
	return collectSchedules(rows)
}

func (s *scheduleStore) RecordFiring(ctx context.Context, id string, fired storage.Firing, lastError string, at time.Time) error {
	return s.exec(ctx,
		`UPDATE schedules SET last_fired_date = $2, last_fired_edge = $3, last_error = $4, updated_at = $5 WHERE id = $1`,
		id, fired.Date, string(fired.Edge), lastError, at)
}

func (s *scheduleStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.exec(ctx, `UPDATE schedules SET active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
}

func (s *scheduleStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func collectSchedules(rows pgx.Rows) ([]storage.Schedule, error) {
	defer rows.Close()

	schedules := make([]storage.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}
