package license

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*InfoCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewInfoCache(ttl, size)
	cache.now = clock.Now
	return cache, clock
}

func TestInfoCache(t *testing.T) {
	t.Run("entry lifecycle", func(t *testing.T) {
		cache, _ := newTestCache(time.Hour, 10)

		_, ok := cache.Get("AAA")
		assert.False(t, ok)

		cache.Set("AAA", mustInfo(t, TierSingle, 1, true, "AAA"))
		info, ok := cache.Get("AAA")
		require.True(t, ok)
		assert.True(t, info.IsValid)

		cache.Invalidate("AAA")
		_, ok = cache.Get("AAA")
		assert.False(t, ok)

		stats := cache.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(2), stats.Misses)
		assert.InDelta(t, 1.0/3.0, stats.HitRatio(), 0.001)
	})

	t.Run("expiry", func(t *testing.T) {
		cache, clock := newTestCache(time.Minute, 10)

		cache.Set("AAA", mustInfo(t, TierSingle, 1, true, "AAA"))
		clock.Advance(59 * time.Second)
		_, ok := cache.Get("AAA")
		assert.True(t, ok)

		clock.Advance(time.Second)
		_, ok = cache.Get("AAA")
		assert.False(t, ok)
	})

	t.Run("expired entries are pruned on write", func(t *testing.T) {
		cache, clock := newTestCache(time.Minute, 10)

		cache.Set("A", mustInfo(t, TierFree, 1, true))
		cache.Set("B", mustInfo(t, TierFree, 1, true))
		clock.Advance(2 * time.Minute)
		cache.Set("C", mustInfo(t, TierFree, 1, true))

		assert.Equal(t, 1, cache.Stats().Entries)
	})

	t.Run("returned info is a copy", func(t *testing.T) {
		cache, _ := newTestCache(time.Hour, 10)

		cache.Set("AAA", mustInfo(t, TierSingle, 1, true, "AAA"))
		info, _ := cache.Get("AAA")
		info.RegisteredDevices[0].SerialNumber = "ZZZ"

		again, _ := cache.Get("AAA")
		assert.Equal(t, "AAA", again.RegisteredDevices[0].SerialNumber)
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		cache, clock := newTestCache(time.Hour, 2)

		cache.Set("A", mustInfo(t, TierFree, 1, true))
		clock.Advance(time.Second)
		cache.Set("B", mustInfo(t, TierFree, 1, true))
		clock.Advance(time.Second)
		cache.Set("C", mustInfo(t, TierFree, 1, true))

		_, ok := cache.Get("A")
		assert.False(t, ok)
		_, ok = cache.Get("B")
		assert.True(t, ok)
		_, ok = cache.Get("C")
		assert.True(t, ok)
	})

	t.Run("zero size stores nothing", func(t *testing.T) {
		cache, _ := newTestCache(time.Hour, 0)

		cache.Set("A", mustInfo(t, TierFree, 1, true))
		_, ok := cache.Get("A")
		assert.False(t, ok)
	})

	t.Run("zero ttl never hits", func(t *testing.T) {
		cache, _ := newTestCache(0, 10)

		cache.Set("A", mustInfo(t, TierFree, 1, true))
		_, ok := cache.Get("A")
		assert.False(t, ok)
	})

	t.Run("invalidate all", func(t *testing.T) {
		cache, _ := newTestCache(time.Hour, 10)

		cache.Set("A", mustInfo(t, TierFree, 1, true))
		cache.Set("B", mustInfo(t, TierFree, 1, true))
		cache.InvalidateAll()
		assert.Equal(t, 0, cache.Stats().Entries)
	})

	t.Run("concurrent access", func(t *testing.T) {
		cache := NewInfoCache(time.Hour, 50)
		info := mustInfo(t, TierFree, 1, true)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("S%d", i%5)
				cache.Set(key, info)
				cache.Get(key)
			}(i)
		}
		wg.Wait()
		assert.LessOrEqual(t, cache.Stats().Entries, 5)
	})
}
