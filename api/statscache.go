package api

import (
	"context"
	"sync"
	"time"

	"github.com/transferwatch/indexer-go/storage"
)

// statsSource computes the aggregate snapshot
type statsSource interface {
	Stats(ctx context.Context) (*storage.Stats, error)
}

// StatsCache memoizes the stats aggregate for a short TTL. The aggregate
// scans every stored row, so serving it straight from the store on every
// request would let a handful of clients keep the database pinned.
//
// The lock is held across the recompute, which collapses concurrent misses
// into a single store query.
type StatsCache struct {
	source statsSource
	ttl    time.Duration

	mu          sync.Mutex
	cached      *storage.Stats
	refreshedAt time.Time

	now func() time.Time
}

// NewStatsCache creates a cache over the stats source
func NewStatsCache(source statsSource, ttl time.Duration) *StatsCache {
	return &StatsCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns the cached snapshot and when it was computed, refreshing from
// the source when the snapshot is older than the TTL
func (c *StatsCache) Get(ctx context.Context) (*storage.Stats, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.refreshedAt) < c.ttl {
		return c.cached, c.refreshedAt, nil
	}

	stats, err := c.source.Stats(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	c.cached = stats
	c.refreshedAt = now
	return c.cached, c.refreshedAt, nil
}
