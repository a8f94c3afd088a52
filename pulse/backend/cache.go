package backend

import (
	"context"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	client    V
	expiresAt time.Time
}

// ClientCache lazily creates clients per key and recreates them once they expire.
// Creation is serialized so concurrent misses create a client only once.
type ClientCache[K comparable, V any] struct {
	ttl    time.Duration
	create func(ctx context.Context, key K) (V, error)

	mu      sync.Mutex
	now     func() time.Time
	entries map[K]cacheEntry[V]
}

// NewClientCache creates a cache whose clients live for ttl
func NewClientCache[K comparable, V any](ttl time.Duration, create func(ctx context.Context, key K) (V, error)) *ClientCache[K, V] {
	return &ClientCache[K, V]{
		ttl:     ttl,
		create:  create,
		now:     time.Now,
		entries: make(map[K]cacheEntry[V]),
	}
}

// SetClock replaces the time source (tests)
func (c *ClientCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached client for key, creating it on a miss or after expiry
func (c *ClientCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
		return entry.client, nil
	}

	client, err := c.create(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries[key] = cacheEntry[V]{client: client, expiresAt: now.Add(c.ttl)}
	return client, nil
}

// Invalidate drops the client for key
func (c *ClientCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
