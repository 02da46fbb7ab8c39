package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this service writes.
const keyPrefix = "nexushield"

// historyTTL bounds how long sample and event lists survive without writes.
const historyTTL = 90 * 24 * time.Hour

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	leaseStore    *leaseStore
	scheduleStore *scheduleStore
	sampleStore   *sampleStore
	eventStore    *eventStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:        client,
		leaseStore:    &leaseStore{client: client, put: redis.NewScript(putLeaseScript), mark: redis.NewScript(markLeaseScript)},
		scheduleStore: &scheduleStore{client: client, updateScript: redis.NewScript(updateScheduleScript)},
		sampleStore:   &sampleStore{client: client, appendScript: redis.NewScript(appendCappedScript)},
		eventStore:    &eventStore{client: client, appendScript: redis.NewScript(appendCappedScript)},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Leases returns the LeaseStore implementation
func (s *Store) Leases() storage.LeaseStore {
	return s.leaseStore
}

// Schedules returns the ScheduleStore implementation
func (s *Store) Schedules() storage.ScheduleStore {
	return s.scheduleStore
}

// Samples returns the SampleStore implementation
func (s *Store) Samples() storage.SampleStore {
	return s.sampleStore
}

// Events returns the EventStore implementation
func (s *Store) Events() storage.EventStore {
	return s.eventStore
}

func leaseKey(id string) string         { return fmt.Sprintf("%s:lease:%s", keyPrefix, id) }
func liveKey(owner string) string       { return fmt.Sprintf("%s:lease:live:%s", keyPrefix, owner) }
func ownerIndexKey(owner string) string { return fmt.Sprintf("%s:leases:owner:%s", keyPrefix, owner) }
func expiryIndexKey() string            { return keyPrefix + ":leases:expiry" }
func ownersKey() string                 { return keyPrefix + ":owners" }
func scheduleKey(id string) string      { return fmt.Sprintf("%s:schedule:%s", keyPrefix, id) }
func schedulesKey() string              { return keyPrefix + ":schedules" }
func ownerSchedulesKey(owner string) string {
	return fmt.Sprintf("%s:schedules:owner:%s", keyPrefix, owner)
}
func samplesKey(leaseID string) string { return fmt.Sprintf("%s:samples:%s", keyPrefix, leaseID) }
func eventsKey(owner string) string    { return fmt.Sprintf("%s:events:%s", keyPrefix, owner) }
