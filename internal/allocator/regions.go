package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// regionCache holds the allocator's region list with TTL refresh and a stale
// fallback when a refresh fails.
type regionCache struct {
	mu        sync.RWMutex
	regions   []string
	fetchedAt time.Time
	ttl       time.Duration
	clock     clock.Clock
	group     singleflight.Group
	fetch     func(ctx context.Context) ([]string, error)
	logger    zerolog.Logger
}

func (c *regionCache) get(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	regions, fetchedAt := c.regions, c.fetchedAt
	c.mu.RUnlock()

	if regions != nil && c.clock.Now().Sub(fetchedAt) < c.ttl {
		return regions, nil
	}

	v, err, _ := c.group.Do("regions", func() (interface{}, error) {
		fresh, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.regions = fresh
		c.fetchedAt = c.clock.Now()
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if regions != nil {
			c.logger.Warn().
				Err(err).
				Time("fetched_at", fetchedAt).
				Msg("Region refresh failed, serving stale list")
			return regions, nil
		}
		return nil, err
	}

	return v.([]string), nil
}

// invalidate forces the next lookup to refresh.
func (c *regionCache) invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
