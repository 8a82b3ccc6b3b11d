package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUEviction(t *testing.T) {
	c := New[uint64, string](2)
	c.Put(1, "a")
	c.Put(2, "b")

	// Touch 1 so 2 becomes the oldest.
	_, ok := c.Get(1)
	assert.True(t, ok)

	c.Put(3, "c")
	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")

	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUReplace(t *testing.T) {
	c := New[uint64, []byte](4)
	c.Put(7, []byte("old"))
	c.Put(7, []byte("new"))
	v, _ := c.Get(7)
	assert.Equal(t, "new", string(v))
	assert.Equal(t, 1, c.Len())

	c.Delete(7)
	_, ok := c.Get(7)
	assert.False(t, ok)
}

func TestLRUZeroCapacity(t *testing.T) {
	c := New[uint64, int](0)
	c.Put(1, 1)
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	neg := New[uint64, int](-5)
	assert.Equal(t, 0, neg.Capacity())
}

func TestLRUStats(t *testing.T) {
	c := New[string, int](8)
	c.Put("x", 1)
	c.Get("x")
	c.Get("x")
	c.Get("y")

	hits, misses, rate := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
	assert.InDelta(t, 2.0/3.0, rate, 0.0001)

	c.Clear()
	hits, misses, _ = c.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
	assert.Zero(t, c.Len())
}

func TestLRUConcurrent(t *testing.T) {
	c := New[uint64, uint64](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 500; i++ {
				c.Put(base+i, i)
				c.Get(base + i/2)
			}
		}(uint64(g) * 1000)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestLRUEachLeavesOrderAlone(t *testing.T) {
	c := New[uint64, string](2)
	c.Put(1, "a")
	c.Put(2, "b")

	var keys []uint64
	c.Each(func(k uint64, _ string) { keys = append(keys, k) })
	assert.Equal(t, []uint64{2, 1}, keys)

	hits, misses, _ := c.Stats()
	assert.Zero(t, hits+misses)

	// 1 is still the oldest, so it goes first.
	c.Put(3, "c")
	_, ok := c.Get(1)
	assert.False(t, ok)
}
