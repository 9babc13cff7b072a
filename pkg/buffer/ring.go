// Package buffer provides a generic, thread-safe bounded ring buffer with
// configurable overflow behavior. It backs the per-client websocket send
// queues (drop-oldest so one slow consumer never stalls the broadcaster)
// and the temperature history store.
package buffer

import (
	"fmt"
	"sync"
)

// OverflowPolicy defines behavior when a full buffer receives a write.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is invoked with each item discarded by the overflow policy.
// It runs while the buffer lock is not held.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity FIFO buffer. All methods are safe for concurrent
// use.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	count  int
	policy OverflowPolicy
	onDrop DropCallback[T]

	dropped uint64
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow policy. Default is DropOldest.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// NewRing creates a ring buffer with the given capacity.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer: capacity must be positive, got %d", capacity)
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		policy: DropOldest,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Write adds an item. When full, the overflow policy decides which side
// drops; Write never blocks. Returns true if the item was stored.
func (r *Ring[T]) Write(item T) bool {
	var dropped T
	var didDrop, stored bool

	r.mu.Lock()
	switch {
	case r.count < len(r.items):
		r.items[(r.head+r.count)%len(r.items)] = item
		r.count++
		stored = true
	case r.policy == DropOldest:
		dropped = r.items[r.head]
		r.head = (r.head + 1) % len(r.items)
		// count stays at capacity; new item fills the slot just vacated
		r.items[(r.head+r.count-1)%len(r.items)] = item
		didDrop = true
		stored = true
		r.dropped++
	default: // DropNewest
		dropped = item
		didDrop = true
		r.dropped++
	}
	r.mu.Unlock()

	if didDrop && r.onDrop != nil {
		r.onDrop(dropped)
	}
	return stored
}

// Read removes and returns the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return item, true
}

// ReadBatch removes and returns up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	var zero T
	for i := 0; i < n; i++ {
		out = append(out, r.items[r.head])
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.count--
	}
	return out
}

// Snapshot returns a copy of the buffered items, oldest first, without
// consuming them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Dropped returns the total number of items discarded by overflow.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes all buffered items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
