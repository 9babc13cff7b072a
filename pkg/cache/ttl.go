// Package cache provides a generic, thread-safe TTL cache with background
// cleanup. Entries expire a fixed duration after their last write or Touch;
// an optional evict callback observes expirations and deletions.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EvictCallback is invoked when an entry is removed by expiry or Delete.
// It runs outside the cache lock.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe time-to-live cache. Every entry shares the same TTL,
// measured from its most recent Set or Touch.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]*entry[V]
	evictFn EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictCallback sets a callback invoked on expiry and deletion.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.evictFn = fn }
}

// NewTTL creates a TTL cache and starts its background cleanup loop. The
// loop stops when ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %v", ttl)
	}
	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("cache: cleanup interval must be positive, got %v", cleanupInterval)
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]*entry[V]),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.cleanup(ctx, cleanupInterval)
	return c, nil
}

// Get retrieves a value by key. Expired entries are treated as absent and
// removed lazily.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expired(time.Now()) {
		c.removeExpiredKey(key)
		return zero, false
	}
	return e.value, true
}

// Set stores a value and resets its expiry. Returns true if the entry is new.
func (c *TTL[V]) Set(key string, value V) bool {
	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return !exists
}

// Touch refreshes the expiry of an existing entry without changing its value.
// Returns false if the key is absent or already expired.
func (c *TTL[V]) Touch(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || e.expired(now) {
		return false
	}
	e.expiresAt = now.Add(c.ttl)
	return true
}

// Delete removes an entry. Returns true if the key existed and was live.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if c.evictFn != nil {
		c.evictFn(key, e.value)
	}
	return !e.expired(time.Now())
}

// Size returns the number of entries, including any not yet swept.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *TTL[V]) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Prune removes all expired entries immediately and returns how many were
// removed. The cleanup loop calls this on its interval; callers with their
// own schedule may invoke it directly.
func (c *TTL[V]) Prune() int {
	now := time.Now()
	var evicted []struct {
		key   string
		value V
	}

	c.mu.Lock()
	for k, e := range c.items {
		if e.expired(now) {
			evicted = append(evicted, struct {
				key   string
				value V
			}{k, e.value})
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, ev := range evicted {
			c.evictFn(ev.key, ev.value)
		}
	}
	return len(evicted)
}

// Close stops the background cleanup loop.
func (c *TTL[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("cache: timeout waiting for cleanup loop to stop")
	}
}

func (c *TTL[V]) removeExpiredKey(key string) {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(now) {
		delete(c.items, key)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok && c.evictFn != nil {
		c.evictFn(key, e.value)
	}
}

func (c *TTL[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}
