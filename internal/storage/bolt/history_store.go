package bolt

import (
	"context"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"go.etcd.io/bbolt"
)

type sampleStore struct {
	db *bbolt.DB
}

func (s *sampleStore) Append(ctx context.Context, sample storage.MetricSample) error {
	return appendCapped(ctx, s.db, bucketSamples, sample.LeaseID, sample.Timestamp, sample, storage.MaxSamplesPerLease)
}

func (s *sampleStore) List(ctx context.Context, leaseID string, limit int) ([]storage.MetricSample, error) {
	return listNewest[storage.MetricSample](ctx, s.db, bucketSamples, leaseID, limit)
}

type eventStore struct {
	db *bbolt.DB
}

func (s *eventStore) Add(ctx context.Context, event storage.Event) error {
	return appendCapped(ctx, s.db, bucketEvents, event.Owner, event.Timestamp, event, storage.MaxEventsPerOwner)
}

func (s *eventStore) List(ctx context.Context, owner string, limit int) ([]storage.Event, error) {
	return listNewest[storage.Event](ctx, s.db, bucketEvents, owner, limit)
}
