package results

import (
	"strings"
	"sync"
	"time"
)

// ResultCache provides in-memory caching for computed result trees
type ResultCache struct {
	data    map[string]*cacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once

	hits   int64
	misses int64
}

// cacheEntry represents a cache entry with expiration
type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

// CacheStats are the hit and miss counters of a cache
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewResultCache creates a new result cache. Expired entries are swept every
// cleanupInterval; a non-positive interval defaults to one minute.
func NewResultCache(ttl, cleanupInterval time.Duration) *ResultCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	cache := &ResultCache{
		data:    make(map[string]*cacheEntry),
		ttl:     ttl,
		cleanup: time.NewTicker(cleanupInterval),
		done:    make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// Get retrieves a value from the cache
func (c *ResultCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiration) {
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.value, true
}

// Set stores a value in the cache
func (c *ResultCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &cacheEntry{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
}

// DeleteByPrefix removes all entries with keys starting with the given prefix
func (c *ResultCache) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries from the cache
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*cacheEntry)
}

// Size returns the number of entries in the cache, expired ones included
func (c *ResultCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Stats returns cache statistics
func (c *ResultCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{Size: len(c.data), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// cleanupLoop periodically removes expired entries
func (c *ResultCache) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *ResultCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.data {
		if now.After(entry.expiration) {
			delete(c.data, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *ResultCache) Stop() {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.done)
	})
}
