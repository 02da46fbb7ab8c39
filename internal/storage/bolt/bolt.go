package bolt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketLeases    = "leases"
	bucketLiveIndex = "lease_live"   // owner -> lease id
	bucketExpiry    = "lease_expiry" // expiry/id -> lease id, non-terminal leases only
	bucketByOwner   = "lease_owner"  // nested bucket per owner: created/id -> lease id
	bucketSchedules = "schedules"
	bucketSamples   = "metric_samples" // nested bucket per lease
	bucketEvents    = "events"         // nested bucket per owner
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		indexed := tx.Bucket([]byte(bucketByOwner)) != nil

		buckets := [][]byte{
			[]byte(bucketLeases),
			[]byte(bucketLiveIndex),
			[]byte(bucketExpiry),
			[]byte(bucketByOwner),
			[]byte(bucketSchedules),
			[]byte(bucketSamples),
			[]byte(bucketEvents),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		if indexed {
			return nil
		}
		// Databases written before the lease indexes existed
		return tx.Bucket([]byte(bucketLeases)).ForEach(func(_, v []byte) error {
			var lease storage.Lease
			if err := unmarshal(v, &lease); err != nil {
				return err
			}
			return indexLease(tx, nil, lease)
		})
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Leases returns the lease store.
func (s *Store) Leases() storage.LeaseStore { return &leaseStore{db: s.db} }

// Schedules returns the schedule store.
func (s *Store) Schedules() storage.ScheduleStore { return &scheduleStore{db: s.db} }

// Samples returns the metric sample store.
func (s *Store) Samples() storage.SampleStore { return &sampleStore{db: s.db} }

// Events returns the audit event store.
func (s *Store) Events() storage.EventStore { return &eventStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func randomSuffix() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// historyKey sorts chronologically within a bucket.
func historyKey(ts time.Time) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d-%s", ts.UnixNano(), suffix), nil
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := readValue[T](tx.Bucket([]byte(bucket)), key)
		if err != nil {
			return err
		}
		item = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func readValue[T any](b *bbolt.Bucket, key string) (*T, error) {
	if b == nil {
		return nil, storage.ErrNotFound
	}
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeValue(b *bbolt.Bucket, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// appendCapped stores value under a time-ordered key in a nested bucket and
// drops the oldest entries beyond max.
func appendCapped(ctx context.Context, db *bbolt.DB, bucket, nested string, ts time.Time, value any, max int) error {
	key, err := historyKey(ts)
	if err != nil {
		return err
	}
	data, err := marshal(value)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		b, err := root.CreateBucketIfNotExists([]byte(nested))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-max; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// listNewest decodes up to limit entries from a nested bucket, newest first.
func listNewest[T any](ctx context.Context, db *bbolt.DB, bucket, nested string, limit int) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(nested))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(items) >= limit {
				break
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}
