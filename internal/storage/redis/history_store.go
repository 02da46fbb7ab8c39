package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sampleStore struct {
	client       *redis.Client
	appendScript *redis.Script
}

// Append stores a sample at the head of the lease's capped list
func (s *sampleStore) Append(ctx context.Context, sample storage.MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	keys := []string{samplesKey(sample.LeaseID)}
	return s.appendScript.Run(ctx, s.client, keys, string(data), storage.MaxSamplesPerLease, int64(historyTTL.Seconds())).Err()
}

// List returns up to limit samples for a lease, newest first
func (s *sampleStore) List(ctx context.Context, leaseID string, limit int) ([]storage.MetricSample, error) {
	raw, err := s.client.LRange(ctx, samplesKey(leaseID), 0, listStop(limit)).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]storage.MetricSample, 0, len(raw))
	for _, item := range raw {
		var sample storage.MetricSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

type eventStore struct {
	client       *redis.Client
	appendScript *redis.Script
}

// Add appends an audit event to the owner's capped list
func (s *eventStore) Add(ctx context.Context, event storage.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	keys := []string{eventsKey(event.Owner)}
	return s.appendScript.Run(ctx, s.client, keys, string(data), storage.MaxEventsPerOwner, int64(historyTTL.Seconds())).Err()
}

// List returns up to limit events for an owner, newest first
func (s *eventStore) List(ctx context.Context, owner string, limit int) ([]storage.Event, error) {
	raw, err := s.client.LRange(ctx, eventsKey(owner), 0, listStop(limit)).Result()
	if err != nil {
		return nil, err
	}

	events := make([]storage.Event, 0, len(raw))
	for _, item := range raw {
		var event storage.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func listStop(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit - 1)
}
