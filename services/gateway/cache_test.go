package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestCache_GetSet(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewCache[[]string](10, time.Minute, clock.Now)

	_, ok := cache.Get("m1")
	assert.False(t, ok)

	cache.Set("m1", []string{"p1"})
	got, ok := cache.Get("m1")
	assert.True(t, ok)
	assert.Equal(t, []string{"p1"}, got)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCache_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewCache[int](10, time.Minute, clock.Now)

	cache.Set("a", 1)
	clock.now = clock.now.Add(59 * time.Second)
	_, ok := cache.Get("a")
	assert.True(t, ok)

	clock.now = clock.now.Add(2 * time.Second)
	_, ok = cache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache[int](2, time.Minute, nil)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Get("a")
	cache.Set("c", 3)

	_, okA := cache.Get("a")
	_, okB := cache.Get("b")
	_, okC := cache.Get("c")
	assert.True(t, okA)
	assert.False(t, okB, "least recently used entry is evicted")
	assert.True(t, okC)
}

func TestCache_InvalidateAndClear(t *testing.T) {
	cache := NewCache[int](10, time.Minute, nil)
	cache.Set("a", 1)
	cache.Set("b", 2)

	cache.Invalidate("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)

	cache.Clear()
	_, ok = cache.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestCache_ZeroTTLDisablesCaching(t *testing.T) {
	cache := NewCache[int](10, 0, nil)
	cache.Set("a", 1)

	_, ok := cache.Get("a")
	assert.False(t, ok)
}

func TestCache_CleanupExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewCache[int](10, time.Minute, clock.Now)
	cache.Set("a", 1)
	clock.now = clock.now.Add(30 * time.Second)
	cache.Set("b", 2)

	clock.now = clock.now.Add(45 * time.Second)

	assert.Equal(t, 1, cache.CleanupExpired())
	assert.Equal(t, 1, cache.Stats().Size)
}
