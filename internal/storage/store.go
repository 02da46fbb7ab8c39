package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when a write would leave an owner with two live leases.
var ErrConflict = errors.New("storage: owner already holds a live lease")

// ErrImmutableExpiry is returned when a write changes expires_at of a lease
// that has left the pending state.
var ErrImmutableExpiry = errors.New("storage: expires_at is immutable once issued")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Leases() LeaseStore
	Schedules() ScheduleStore
	Samples() SampleStore
	Events() EventStore
}

// LeaseStore persists leases and allows at most one live lease per owner.
type LeaseStore interface {
	Put(ctx context.Context, lease Lease) error
	Get(ctx context.Context, id string) (*Lease, error)
	GetActive(ctx context.Context, owner string) (*Lease, error)
	Mark(ctx context.Context, id string, state LeaseState, at time.Time) (*Lease, error)
	ListExpiringBefore(ctx context.Context, instant time.Time) ([]Lease, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]Lease, error)
	Owners(ctx context.Context) ([]string, error)
}

// ScheduleStore manages recurring connection windows.
type ScheduleStore interface {
	Put(ctx context.Context, schedule Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	Delete(ctx context.Context, id, owner string) error
	List(ctx context.Context) ([]Schedule, error)
	ListByOwner(ctx context.Context, owner string) ([]Schedule, error)
	RecordFiring(ctx context.Context, id string, fired Firing, lastError string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}

// SampleStore keeps metric samples per lease, newest first on read.
type SampleStore interface {
	Append(ctx context.Context, sample MetricSample) error
	List(ctx context.Context, leaseID string, limit int) ([]MetricSample, error)
}

// EventStore keeps the per-owner audit trail, newest first on read.
type EventStore interface {
	Add(ctx context.Context, event Event) error
	List(ctx context.Context, owner string, limit int) ([]Event, error)
}

// Retention caps applied by every backend.
const (
	MaxSamplesPerLease = 100
	MaxEventsPerOwner  = 500
)
