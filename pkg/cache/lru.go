// Package cache provides a TTL-bounded LRU cache for HTTP responses of the
// calendar endpoint, keyed per tenant so that a write by one tenant only
// drops that tenant's entries.
package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is a thread-safe cache of response bodies with a maximum size
// and a per-entry TTL. The least recently used entry is evicted when full.
type LRUCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUCache creates a new LRU cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LRUCache{lru: expirable.NewLRU[string, []byte](maxSize, nil, ttl)}
}

// Get returns a cached body. Expired entries are reported as missing.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	return c.lru.Get(key)
}

// Set stores a body, evicting the least recently used entry when full.
func (c *LRUCache) Set(key string, value []byte) {
	c.lru.Add(key, value)
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *LRUCache) InvalidatePrefix(prefix string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache) InvalidateAll() {
	c.lru.Purge()
}

// Size returns the number of live entries.
func (c *LRUCache) Size() int {
	return c.lru.Len()
}
