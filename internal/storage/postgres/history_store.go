package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

type sampleStore struct {
	db DB
}

func (s *sampleStore) Append(ctx context.Context, sample storage.MetricSample) error {
	var loaded []byte
	if sample.LoadedLatency != nil {
		data, err := json.Marshal(sample.LoadedLatency)
		if err != nil {
			return fmt.Errorf("encode loaded latency: %w", err)
		}
		loaded = data
	}
	var scores []byte
	if len(sample.Scores) > 0 {
		scores = sample.Scores
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO metric_samples (lease_id, ts, download_bps, upload_bps, latency_ms, packet_loss_pct, loaded_latency, scores)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sample.LeaseID, sample.Timestamp, sample.DownloadBps, sample.UploadBps,
		sample.LatencyMS, sample.PacketLossPct, loaded, scores,
	)
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`DELETE FROM metric_samples WHERE lease_id = $1 AND id NOT IN (
		   SELECT id FROM metric_samples WHERE lease_id = $1 ORDER BY ts DESC, id DESC LIMIT $2)`,
		sample.LeaseID, storage.MaxSamplesPerLease)
	if err != nil {
		return fmt.Errorf("trim samples: %w", err)
	}
	return nil
}

func (s *sampleStore) List(ctx context.Context, leaseID string, limit int) ([]storage.MetricSample, error) {
	var max *int
	if limit > 0 {
		max = &limit
	}

	rows, err := s.db.Query(ctx,
		`SELECT lease_id, ts, download_bps, upload_bps, latency_ms, packet_loss_pct, loaded_latency, scores
		 FROM metric_samples WHERE lease_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		leaseID, max)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	samples := make([]storage.MetricSample, 0)
	for rows.Next() {
		var (
			sample         storage.MetricSample
			loaded, scores []byte
		)
		if err := rows.Scan(&sample.LeaseID, &sample.Timestamp, &sample.DownloadBps, &sample.UploadBps,
			&sample.LatencyMS, &sample.PacketLossPct, &loaded, &scores); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if len(loaded) > 0 {
			sample.LoadedLatency = &storage.LoadedLatency{}
			if err := json.Unmarshal(loaded, sample.LoadedLatency); err != nil {
				return nil, fmt.Errorf("decode loaded latency: %w", err)
			}
		}
		if len(scores) > 0 {
			sample.Scores = json.RawMessage(scores)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

type eventStore struct {
	db DB
}

func (s *eventStore) Add(ctx context.Context, event storage.Event) error {
	var details []byte
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		details = data
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, owner, type, ts, details) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.Owner, string(event.Type), event.Timestamp, details)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`DELETE FROM events WHERE owner = $1 AND id NOT IN (
		   SELECT id FROM events WHERE owner = $1 ORDER BY ts DESC LIMIT $2)`,
		event.Owner, storage.MaxEventsPerOwner)
	if err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}

func (s *eventStore) List(ctx context.Context, owner string, limit int) ([]storage.Event, error) {
	var max *int
	if limit > 0 {
		max = &limit
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, owner, type, ts, details FROM events WHERE owner = $1 ORDER BY ts DESC LIMIT $2`,
		owner, max)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.Event, 0)
	for rows.Next() {
		var (
			event   storage.Event
			typ     string
			details []byte
		)
		if err := rows.Scan(&event.ID, &event.Owner, &typ, &event.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = storage.EventType(typ)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
