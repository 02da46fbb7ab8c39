package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"go.etcd.io/bbolt"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func lease(id, owner string, minutes int) storage.Lease {
	return storage.Lease{
		ID:        id,
		Owner:     owner,
		Region:    "DE",
		State:     storage.StateActive,
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Duration(minutes) * time.Minute),
	}
}

func TestLeaseStoreSingleLive(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Leases().Put(ctx, lease("a", "u1", 30)); err != nil {
		t.Fatalf("put lease: %v", err)
	}
	if err := store.Leases().Put(ctx, lease("b", "u1", 30)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.Leases().Mark(ctx, "a", storage.StateRevoked, t0); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}
	if _, err := store.Leases().GetActive(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no live lease, got %v", err)
	}
	if err := store.Leases().Put(ctx, lease("b", "u1", 30)); err != nil {
		t.Fatalf("put after revoke: %v", err)
	}

	live, err := store.Leases().GetActive(ctx, "u1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if live.ID != "b" {
		t.Fatalf("expected live lease b, got %s", live.ID)
	}
}

func TestLeaseStoreRevokedNotRevived(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Leases().Put(ctx, lease("a", "u1", 30)); err != nil {
		t.Fatalf("put lease: %v", err)
	}
	if _, err := store.Leases().Mark(ctx, "a", storage.StateRevoked, t0); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}

	err := store.Leases().Put(ctx, lease("a", "u1", 30))
	var invalid *storage.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := store.Leases().GetActive(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no live lease, got %v", err)
	}
}

func TestLeaseStoreMarkTransitions(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Leases().Put(ctx, lease("a", "u1", 30)); err != nil {
		t.Fatalf("put lease: %v", err)
	}

	_, err := store.Leases().Mark(ctx, "a", storage.StateExpired, t0)
	var invalid *storage.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := store.Leases().Mark(ctx, "a", storage.StateExpiring, t0); err != nil {
		t.Fatalf("mark expiring: %v", err)
	}
	got, err := store.Leases().Mark(ctx, "a", storage.StateExpired, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("expected ended_at to be set, got %v", got.EndedAt)
	}

	if _, err := store.Leases().Mark(ctx, "missing", storage.StateRevoked, t0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeaseStoreListExpiringBefore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, l := range []storage.Lease{lease("a", "u1", 5), lease("b", "u2", 50), lease("c", "u3", 1)} {
		if err := store.Leases().Put(ctx, l); err != nil {
			t.Fatalf("put lease: %v", err)
		}
	}
	if _, err := store.Leases().Mark(ctx, "c", storage.StateRevoked, t0); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}

	due, err := store.Leases().ListExpiringBefore(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("expected [a], got %+v", due)
	}

	owners, err := store.Leases().Owners(ctx)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 3 {
		t.Fatalf("expected 3 owners, got %v", owners)
	}
}

func TestLeaseStoreExpiryIndex(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, l := range []storage.Lease{lease("late", "u1", 9), lease("early", "u2", 3), lease("edge", "u3", 10)} {
		if err := store.Leases().Put(ctx, l); err != nil {
			t.Fatalf("put lease: %v", err)
		}
	}

	due, err := store.Leases().ListExpiringBefore(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	var ids []string
	for _, l := range due {
		ids = append(ids, l.ID)
	}
	if len(ids) != 3 || ids[0] != "early" || ids[1] != "late" || ids[2] != "edge" {
		t.Fatalf("expected [early late edge] by expiry, got %v", ids)
	}

	// Leaving the live states drops the lease from the index
	if _, err := store.Leases().Mark(ctx, "early", storage.StateExpiring, t0); err != nil {
		t.Fatalf("mark expiring: %v", err)
	}
	if _, err := store.Leases().Mark(ctx, "early", storage.StateExpired, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	due, err = store.Leases().ListExpiringBefore(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(due) != 2 || due[0].ID != "late" {
		t.Fatalf("expected [late edge], got %+v", due)
	}

	entries := 0
	_ = store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketExpiry)).ForEach(func(_, _ []byte) error {
			entries++
			return nil
		})
	})
	if entries != 2 {
		t.Fatalf("expected 2 expiry index entries, got %d", entries)
	}
}

func TestLeaseStoreOwnerIndex(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for i, id := range []string{"first", "second", "third"} {
		l := lease(id, "u1", 30)
		l.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
		l.ExpiresAt = l.CreatedAt.Add(30 * time.Minute)
		if err := store.Leases().Put(ctx, l); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
		if _, err := store.Leases().Mark(ctx, id, storage.StateRevoked, l.CreatedAt.Add(time.Minute)); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}
	if err := store.Leases().Put(ctx, lease("other", "u2", 30)); err != nil {
		t.Fatalf("put other: %v", err)
	}

	history, err := store.Leases().ListByOwner(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(history) != 2 || history[0].ID != "third" || history[1].ID != "second" {
		t.Fatalf("expected [third second], got %+v", history)
	}
	if history[0].State != storage.StateRevoked {
		t.Fatalf("expected index to resolve current state, got %s", history[0].State)
	}

	owners, err := store.Leases().Owners(ctx)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 2 || owners[0] != "u1" || owners[1] != "u2" {
		t.Fatalf("expected [u1 u2], got %v", owners)
	}
}

func TestOpenIndexesExistingLeases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexushield.bolt")

	// A database holding leases but none of the index buckets
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucket([]byte(bucketLeases))
		if err != nil {
			return err
		}
		return writeValue(b, "a", lease("a", "u1", 5))
	})
	if err != nil {
		t.Fatalf("seed leases: %v", err)
	}
	_ = db.Close()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	due, err := store.Leases().ListExpiringBefore(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("expected [a] after reindex, got %+v", due)
	}
	owners, err := store.Leases().Owners(ctx)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 1 || owners[0] != "u1" {
		t.Fatalf("expected [u1], got %v", owners)
	}
}

func TestScheduleStoreOwnerScopedDelete(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	schedule := storage.Schedule{ID: "s1", Owner: "u1", Region: "US", Start: "09:00", End: "17:00", Active: true}
	if err := store.Schedules().Put(ctx, schedule); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	if err := store.Schedules().RecordFiring(ctx, "s1", storage.Firing{Date: "2025-03-10", Edge: storage.EdgeStart}, "", t0); err != nil {
		t.Fatalf("record firing: %v", err)
	}
	got, err := store.Schedules().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastFired.Edge != storage.EdgeStart {
		t.Fatalf("expected start edge recorded, got %+v", got.LastFired)
	}

	if err := store.Schedules().Delete(ctx, "s1", "u2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}
	if err := store.Schedules().Delete(ctx, "s1", "u1"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}

	mine, err := store.Schedules().ListByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(mine) != 0 {
		t.Fatalf("expected no schedules, got %d", len(mine))
	}
}

func TestSampleStoreCapped(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for i := 0; i < storage.MaxSamplesPerLease+3; i++ {
		sample := storage.MetricSample{LeaseID: "a", Timestamp: t0.Add(time.Duration(i) * time.Second), DownloadBps: float64(i)}
		if err := store.Samples().Append(ctx, sample); err != nil {
			t.Fatalf("append sample: %v", err)
		}
	}

	samples, err := store.Samples().List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != storage.MaxSamplesPerLease {
		t.Fatalf("expected %d samples, got %d", storage.MaxSamplesPerLease, len(samples))
	}
	if samples[0].DownloadBps != float64(storage.MaxSamplesPerLease+2) {
		t.Fatalf("expected newest first, got %v", samples[0].DownloadBps)
	}

	events, err := store.Events().List(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nexushield.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
