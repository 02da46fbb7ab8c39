package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"go.etcd.io/bbolt"
)

type leaseStore struct {
	db *bbolt.DB
}

func (s *leaseStore) Put(ctx context.Context, lease storage.Lease) error {
	if lease.UpdatedAt.IsZero() {
		lease.UpdatedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		leases := tx.Bucket([]byte(bucketLeases))
		live := tx.Bucket([]byte(bucketLiveIndex))

		stored, err := readValue[storage.Lease](leases, lease.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		var current *storage.Lease
		if id := live.Get([]byte(lease.Owner)); id != nil {
			current, err = readValue[storage.Lease](leases, string(id))
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}

		if err := storage.ValidatePut(lease, stored, current); err != nil {
			return err
		}

		if err := writeValue(leases, lease.ID, lease); err != nil {
			return err
		}
		if err := indexLease(tx, stored, lease); err != nil {
			return err
		}
		return updateLiveIndex(live, lease)
	})
}

func indexKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", ts.UnixNano(), id))
}

// indexLease keeps the expiry and per-owner indexes in step with lease.
// stored is the previous copy, nil for a new lease.
func indexLease(tx *bbolt.Tx, stored *storage.Lease, lease storage.Lease) error {
	expiry := tx.Bucket([]byte(bucketExpiry))
	if stored != nil {
		if err := expiry.Delete(indexKey(stored.ExpiresAt, stored.ID)); err != nil {
			return err
		}
	}
	if !lease.State.Terminal() {
		if err := expiry.Put(indexKey(lease.ExpiresAt, lease.ID), []byte(lease.ID)); err != nil {
			return err
		}
	}

	owners, err := tx.Bucket([]byte(bucketByOwner)).CreateBucketIfNotExists([]byte(lease.Owner))
	if err != nil {
		return err
	}
	return owners.Put(indexKey(lease.CreatedAt, lease.ID), []byte(lease.ID))
}

func updateLiveIndex(live *bbolt.Bucket, lease storage.Lease) error {
	if lease.State.Live() {
		return live.Put([]byte(lease.Owner), []byte(lease.ID))
	}
	if string(live.Get([]byte(lease.Owner))) == lease.ID {
		return live.Delete([]byte(lease.Owner))
	}
	return nil
}

func (s *leaseStore) Get(ctx context.Context, id string) (*storage.Lease, error) {
	return getBucketValue[storage.Lease](ctx, s.db, bucketLeases, id)
}

func (s *leaseStore) GetActive(ctx context.Context, owner string) (*storage.Lease, error) {
	var lease *storage.Lease
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := tx.Bucket([]byte(bucketLiveIndex)).Get([]byte(owner))
		if id == nil {
			return storage.ErrNotFound
		}
		found, err := readValue[storage.Lease](tx.Bucket([]byte(bucketLeases)), string(id))
		if err != nil {
			return err
		}
		lease = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *leaseStore) Mark(ctx context.Context, id string, state storage.LeaseState, at time.Time) (*storage.Lease, error) {
	var updated *storage.Lease
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		leases := tx.Bucket([]byte(bucketLeases))
		live := tx.Bucket([]byte(bucketLiveIndex))

		lease, err := readValue[storage.Lease](leases, id)
		if err != nil {
			return err
		}
		previous := *lease
		if err := storage.ApplyTransition(lease, state, at); err != nil {
			return err
		}
		if state.Live() {
			if holder := live.Get([]byte(lease.Owner)); holder != nil && string(holder) != id {
				return storage.ErrConflict
			}
		}

		if err := writeValue(leases, id, lease); err != nil {
			return err
		}
		if err := indexLease(tx, &previous, *lease); err != nil {
			return err
		}
		updated = lease
		return updateLiveIndex(live, *lease)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *leaseStore) ListExpiringBefore(ctx context.Context, instant time.Time) ([]storage.Lease, error) {
	out := make([]storage.Lease, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		leases := tx.Bucket([]byte(bucketLeases))
		bound := indexKey(instant, "\xff")

		c := tx.Bucket([]byte(bucketExpiry)).Cursor()
		for k, id := c.First(); k != nil && bytes.Compare(k, bound) <= 0; k, id = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lease, err := readValue[storage.Lease](leases, string(id))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, *lease)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *leaseStore) ListByOwner(ctx context.Context, owner string, limit int) ([]storage.Lease, error) {
	out := make([]storage.Lease, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(bucketByOwner)).Bucket([]byte(owner))
		if index == nil {
			return nil
		}
		leases := tx.Bucket([]byte(bucketLeases))

		c := index.Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			lease, err := readValue[storage.Lease](leases, string(id))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, *lease)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Owners lists the per-owner index buckets; bbolt keeps them sorted.
func (s *leaseStore) Owners(ctx context.Context) ([]string, error) {
	owners := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketByOwner)).ForEachBucket(func(name []byte) error {
			owners = append(owners, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return owners, nil
}
