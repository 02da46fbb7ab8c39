package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/redis/go-redis/v9"
)

type leaseStore struct {
	client *redis.Client
	put    *redis.Script
	mark   *redis.Script
}

// Put creates or updates a lease
func (s *leaseStore) Put(ctx context.Context, lease storage.Lease) error {
	if lease.UpdatedAt.IsZero() {
		lease.UpdatedAt = time.Now()
	}

	endedAt := ""
	if lease.EndedAt != nil {
		endedAt = formatTime(*lease.EndedAt)
	}

	keys := []string{
		leaseKey(lease.ID),
		liveKey(lease.Owner),
		ownerIndexKey(lease.Owner),
		expiryIndexKey(),
		ownersKey(),
	}
	args := []interface{}{
		lease.ID,
		lease.Owner,
		lease.Region,
		lease.PeerMaterial,
		string(lease.State),
		formatTime(lease.CreatedAt),
		formatTime(lease.ExpiresAt),
		formatTime(lease.UpdatedAt),
		endedAt,
		boolFlag(lease.State.Live()),
		boolFlag(lease.State.Terminal()),
		lease.CreatedAt.UnixMilli(),
		lease.ExpiresAt.UnixMilli(),
	}
	for _, from := range storage.PutSources(lease.State) {
		args = append(args, string(from))
	}

	result, err := s.put.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}

	switch {
	case result == "OK":
		return nil
	case result == "CONFLICT":
		return storage.ErrConflict
	case result == "IMMUTABLE":
		return storage.ErrImmutableExpiry
	case strings.HasPrefix(result, "INVALID:"):
		return &storage.InvalidTransitionError{
			ID:   lease.ID,
			From: storage.LeaseState(strings.TrimPrefix(result, "INVALID:")),
			To:   lease.State,
		}
	default:
		return fmt.Errorf("unexpected put result %q", result)
	}
}

// Get retrieves a lease by ID
func (s *leaseStore) Get(ctx context.Context, id string) (*storage.Lease, error) {
	data, err := s.client.HGetAll(ctx, leaseKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseLease(data)
}

// GetActive retrieves the owner's live lease using the live index
func (s *leaseStore) GetActive(ctx context.Context, owner string) (*storage.Lease, error) {
	id, err := s.client.Get(ctx, liveKey(owner)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Mark moves a lease to a new state if the transition is legal
func (s *leaseStore) Mark(ctx context.Context, id string, state storage.LeaseState, at time.Time) (*storage.Lease, error) {
	owner, err := s.client.HGet(ctx, leaseKey(id), "owner").Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	endedAt := ""
	if state.Terminal() {
		endedAt = formatTime(at)
	}

	keys := []string{leaseKey(id), liveKey(owner), expiryIndexKey()}
	args := []interface{}{
		id,
		string(state),
		formatTime(at),
		endedAt,
		boolFlag(state.Live()),
		boolFlag(state.Terminal()),
	}
	for _, from := range storage.Predecessors(state) {
		args = append(args, string(from))
	}

	result, err := s.mark.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, err
	}

	switch {
	case result == "OK":
	case result == "NOT_FOUND":
		return nil, storage.ErrNotFound
	case result == "CONFLICT":
		return nil, storage.ErrConflict
	case strings.HasPrefix(result, "INVALID:"):
		return nil, &storage.InvalidTransitionError{
			ID:   id,
			From: storage.LeaseState(strings.TrimPrefix(result, "INVALID:")),
			To:   state,
		}
	default:
		return nil, fmt.Errorf("unexpected mark result %q", result)
	}

	return s.Get(ctx, id)
}

// ListExpiringBefore returns non-terminal leases whose expiry is at or before instant
func (s *leaseStore) ListExpiringBefore(ctx context.Context, instant time.Time) ([]storage.Lease, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", instant.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, err
	}

	leases, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := leases[:0]
	for _, lease := range leases {
		if !lease.State.Terminal() && !lease.ExpiresAt.After(instant) {
			out = append(out, lease)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// ListByOwner returns the owner's leases, newest first
func (s *leaseStore) ListByOwner(ctx context.Context, owner string, limit int) ([]storage.Lease, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, ownerIndexKey(owner), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	return s.fetch(ctx, ids)
}

// Owners returns every owner with at least one stored lease
func (s *leaseStore) Owners(ctx context.Context) ([]string, error) {
	owners, err := s.client.SMembers(ctx, ownersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(owners)
	return owners, nil
}

// fetch loads leases by ID in order, skipping any that vanished
func (s *leaseStore) fetch(ctx context.Context, ids []string) ([]storage.Lease, error) {
	if len(ids) == 0 {
		return []storage.Lease{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, leaseKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	leases := make([]storage.Lease, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		lease, err := parseLease(data)
		if err == nil {
			leases = append(leases, *lease)
		}
	}

	return leases, nil
}
