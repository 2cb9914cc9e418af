// Package ristretto implements an in-process dedup cache using
// dgraph-io/ristretto. The extractor uses it to make at-least-once event
// delivery idempotent.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache keyed by execution/example id.
type Cache struct {
	c   *ristretto.Cache[string, struct{}]
	ttl time.Duration
}

// New creates a dedup cache. maxCostBytes bounds total cache size; ttl bounds
// how long a seen id suppresses redelivery.
func New(maxCostBytes int64, ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: ttl}, nil
}

// Contains reports whether key was recorded within the TTL.
func (c *Cache) Contains(key string) bool {
	_, ok := c.c.Get(key)
	return ok
}

// Mark records key. Callers mark only after the keyed work succeeded, so a
// failed handler stays eligible for redelivery. Ristretto writes are
// asynchronous, so a tight duplicate burst may slip through; the persistence
// layer's unique constraints are the backstop.
func (c *Cache) Mark(key string) {
	c.c.SetWithTTL(key, struct{}{}, int64(len(key))+16, c.ttl)
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
