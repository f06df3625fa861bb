package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// PromptKey is the cache key of a fully rendered prompt.
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// responseCache is a TTL cache with FIFO eviction.
type responseCache struct {
	mu         sync.Mutex
	items      map[string]cacheEntry
	order      []string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func newResponseCache(ttl time.Duration, maxEntries int, now func() time.Time) *responseCache {
	return &responseCache{
		items:      make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

func (c *responseCache) get(key string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		c.removeFromOrder(key)
		return "", false
	}
	return e.value, true
}

func (c *responseCache) set(key, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.evictIfNeeded()
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *responseCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *responseCache) evictIfNeeded() {
	if c.maxEntries <= 0 || len(c.items) <= c.maxEntries {
		return
	}
	excess := len(c.items) - c.maxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}
