package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingValidation(t *testing.T) {
	_, err := NewRing[int](0)
	assert.Error(t, err)

	_, err = NewRing[int](-1)
	assert.Error(t, err)
}

func TestBasicFIFO(t *testing.T) {
	r, err := NewRing[string](3)
	require.NoError(t, err)

	assert.True(t, r.Write("a"))
	assert.True(t, r.Write("b"))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 3, r.Cap())

	v, ok := r.Read()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = r.Read()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = r.Read()
	assert.False(t, ok, "read from empty buffer fails")
}

func TestDropOldest(t *testing.T) {
	var dropped []int
	r, err := NewRing[int](3,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		assert.True(t, r.Write(i), "DropOldest always stores the new item")
	}

	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, uint64(2), r.Dropped())

	// Order survives wrap-around
	assert.Equal(t, []int{3, 4, 5}, r.ReadBatch(10))
	assert.Equal(t, 0, r.Len())
}

func TestDropNewest(t *testing.T) {
	var dropped []int
	r, err := NewRing[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	assert.True(t, r.Write(1))
	assert.True(t, r.Write(2))
	assert.False(t, r.Write(3), "DropNewest discards the incoming item")

	assert.Equal(t, []int{3}, dropped)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
}

func TestReadBatchPartial(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)

	r.Write(1)
	r.Write(2)
	r.Write(3)

	assert.Equal(t, []int{1, 2}, r.ReadBatch(2))
	assert.Equal(t, []int{3}, r.ReadBatch(5))
	assert.Nil(t, r.ReadBatch(1))
}

func TestSnapshotDoesNotConsume(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)

	r.Write(1)
	r.Write(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
}

func TestClear(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)

	r.Write(1)
	r.Write(2)
	r.Clear()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Read()
	assert.False(t, ok)
}

func TestConcurrentWriters(t *testing.T) {
	r, err := NewRing[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Write(j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, r.Len())
	assert.Equal(t, uint64(8*100-64), r.Dropped())
}
