package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, opts ...Option[string]) *TTL[string] {
	t.Helper()
	c, err := NewTTL[string](context.Background(), ttl, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewTTLValidation(t *testing.T) {
	_, err := NewTTL[string](context.Background(), 0, time.Second)
	assert.Error(t, err)

	_, err = NewTTL[string](context.Background(), time.Second, 0)
	assert.Error(t, err)
}

func TestSetGetDelete(t *testing.T) {
	c := newTestCache(t, time.Minute)

	assert.True(t, c.Set("a", "1"), "first set creates")
	assert.False(t, c.Set("a", "2"), "second set updates")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"), "double delete is a no-op")

	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t, 30*time.Millisecond)

	c.Set("token", "x")
	_, ok := c.Get("token")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("token")
	assert.False(t, ok, "entry should expire after its TTL")
	assert.Equal(t, 0, c.Size(), "lazy expiry removes the entry")
}

func TestTouchExtendsLifetime(t *testing.T) {
	c := newTestCache(t, 80*time.Millisecond)

	c.Set("peer", "x")
	time.Sleep(50 * time.Millisecond)
	require.True(t, c.Touch("peer"))
	time.Sleep(50 * time.Millisecond)

	// 100ms elapsed total but only 50ms since the touch
	_, ok := c.Get("peer")
	assert.True(t, ok, "touched entry should still be live")

	assert.False(t, c.Touch("absent"))
}

func TestPruneAndEvictCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := newTestCache(t, 20*time.Millisecond, WithEvictCallback[string](func(key, _ string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	c.Set("a", "1")
	c.Set("b", "2")
	time.Sleep(40 * time.Millisecond)
	c.Set("c", "3")

	n := c.Prune()
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"c"}, c.Keys())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
}

func TestBackgroundCleanup(t *testing.T) {
	c, err := NewTTL[string](context.Background(), 20*time.Millisecond, 25*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", "1")
	assert.Eventually(t, func() bool { return c.Size() == 0 },
		500*time.Millisecond, 10*time.Millisecond, "cleanup loop should sweep expired entries")
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + n))
				c.Set(key, "v")
				c.Get(key)
				c.Touch(key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, c.Size())
}
