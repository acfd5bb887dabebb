package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kyxap1/geoecho/internal/edge"

	"github.com/sirupsen/logrus"
)

const cleanupInterval = 5 * time.Minute

// entry is a cached lookup result. A nil Context records that the lookup
// found nothing, which is worth remembering too.
type entry struct {
	Context   *edge.Context
	ExpiresAt time.Time
}

// LookupCache keeps geolocation lookups per IP for a limited time
type LookupCache struct {
	entries    map[string]*entry
	mu         sync.RWMutex
	ttl        time.Duration
	maxEntries int
	logger     *logrus.Logger
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewLookupCache creates a cache and starts its background cleanup
func NewLookupCache(ttl time.Duration, maxEntries int, logger *logrus.Logger) *LookupCache {
	c := newLookupCache(ttl, maxEntries, logger)
	go c.cleanup()
	return c
}

func newLookupCache(ttl time.Duration, maxEntries int, logger *logrus.Logger) *LookupCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &LookupCache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Get returns the cached context for ip. The second result is false on a miss
// or when the entry has expired.
func (c *LookupCache) Get(ip string) (*edge.Context, bool) {
	c.mu.RLock()
	e, ok := c.entries[ip]
	c.mu.RUnlock()

	if !ok || c.now().After(e.ExpiresAt) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return e.Context, true
}

// Set stores the lookup result for ip
func (c *LookupCache) Set(ip string, ctx *edge.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ip]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[ip] = &entry{
		Context:   ctx,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// evictOldest drops the tenth of entries closest to expiry. Caller holds mu.
func (c *LookupCache) evictOldest() {
	evictCount := c.maxEntries / 10
	if evictCount < 1 {
		evictCount = 1
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].ExpiresAt.Before(c.entries[keys[j]].ExpiresAt)
	})

	for i := 0; i < evictCount && i < len(keys); i++ {
		delete(c.entries, keys[i])
		atomic.AddInt64(&c.evictions, 1)
	}
}

func (c *LookupCache) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *LookupCache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debugf("Removed %d expired lookup cache entries", removed)
	}
	return removed
}

// Stats returns a snapshot of cache counters
func (c *LookupCache) Stats() map[string]interface{} {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"entries":     size,
		"hits":        hits,
		"misses":      misses,
		"evictions":   atomic.LoadInt64(&c.evictions),
		"hit_rate":    hitRate,
		"ttl_seconds": c.ttl.Seconds(),
		"max_entries": c.maxEntries,
	}
}

// Clear drops every entry and resets the counters
func (c *LookupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)

	c.logger.Info("Lookup cache cleared")
}

// Size returns the number of entries, expired ones included
func (c *LookupCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background cleanup. It is safe to call more than once.
func (c *LookupCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
}
