package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/internal/upstream"
	"github.com/neo-agent/backend/pkg/logger"
	"github.com/neo-agent/backend/pkg/utils"
)

// Fetcher executes a query against an upstream gateway.
type Fetcher interface {
	Execute(ctx context.Context, database, query string) (*upstream.Result, error)
}

// Cache memoizes (database, normalized query) results for a short TTL so
// duplicate sub-queries inside one agent run, and near-in-time user
// requests, hit the upstream services at most once.
type Cache struct {
	fetcher    Fetcher
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time
}

type entry struct {
	result    *upstream.Result
	fetchedAt time.Time
}

func New(fetcher Fetcher, ttl time.Duration, maxEntries int) *Cache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries == 0 {
		maxEntries = 100
	}

	return &Cache{
		fetcher:    fetcher,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
		now:        time.Now,
	}
}

// Execute returns cached rows when a fresh entry exists, otherwise fetches
// from upstream and stores the result. Failed fetches are never cached.
// Concurrent callers for the same key may both go upstream; the duplicate
// is bounded by the TTL window and cheaper than coordination.
func (c *Cache) Execute(ctx context.Context, database, queryText string) (*upstream.Result, error) {
	key := utils.CacheKey(database, queryText)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.fetchedAt) < c.ttl {
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues("query").Inc()
			logger.Debug("Query cache hit", zap.String("database", database))
			return e.result, nil
		}
		// Expired entries are treated as absent, never served.
		delete(c.entries, key)
	}
	c.mu.Unlock()

	metrics.CacheMisses.WithLabelValues("query").Inc()

	result, err := c.fetcher.Execute(ctx, database, queryText)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry{result: result, fetchedAt: c.now()}
	c.mu.Unlock()

	return result, nil
}

// evictOldestLocked drops the oldest half of the cache. Called with c.mu held.
func (c *Cache) evictOldestLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.fetchedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.key)
	}
}

// Invalidate empties the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
