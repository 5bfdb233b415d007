package resolve

import (
	"sync"
	"time"
)

// cacheEntry holds one cached resolution hit.
type cacheEntry struct {
	id        uint64
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// idCache is a thread-safe in-memory cache for resolved document ids.
// Entries expire after a configurable TTL. Only positive hits are stored:
// a zero id must go back to the ledger every time, and retraction state is
// never cached at all.
type idCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newIDCache(ttl time.Duration) *idCache {
	return &idCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get looks up a cached id by reference key.
func (c *idCache) get(key string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired() {
		return 0, false
	}
	return e.id, true
}

// set stores a resolved id.
func (c *idCache) set(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{
		id:        id,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate removes a specific entry.
func (c *idCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// evict removes all expired entries.
func (c *idCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *idCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
