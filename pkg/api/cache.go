package api

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type cacheEntry struct {
	body      []byte
	status    int
	expiresAt time.Time
}

// Cache is a small TTL response cache keyed by request signature. The
// aggregator drops it after each successful run, so a stale window is at
// most one TTL.
type Cache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(clock clockwork.Clock, ttl time.Duration) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Get(key string) ([]byte, int, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, 0, false
	}
	return entry.body, entry.status, true
}

func (c *Cache) Set(key string, status int, body []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{
		body:      body,
		status:    status,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// InvalidateAll drops every entry. Wired to the aggregator's success
// callback.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
