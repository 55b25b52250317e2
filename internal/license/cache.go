package license

import (
	"sync"
	"time"
)

// CacheStats is a point-in-time view of an InfoCache.
type CacheStats struct {
	Entries int           `json:"entries"`
	MaxSize int           `json:"max_size"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	TTL     time.Duration `json:"ttl"`
}

// HitRatio is Hits over all lookups, or 0 before the first lookup.
func (s CacheStats) HitRatio() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

type cached struct {
	info     Info
	storedAt time.Time
}

// InfoCache keeps the last good Info per serial so a flapping authority does
// not force a locked session to forget seat counts it already knew. Expired
// entries are dropped on the next write.
type InfoCache struct {
	mu      sync.Mutex
	entries map[string]cached
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewInfoCache creates a cache holding at most maxSize serials for ttl each.
// A non-positive maxSize disables caching.
func NewInfoCache(ttl time.Duration, maxSize int) *InfoCache {
	return &InfoCache{
		entries: make(map[string]cached),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *InfoCache) fresh(e cached, now time.Time) bool {
	return now.Sub(e.storedAt) < c.ttl
}

// Get returns a copy of the cached Info for serial.
func (c *InfoCache) Get(serial string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[serial]
	if !ok || !c.fresh(e, c.now()) {
		c.misses++
		return Info{}, false
	}
	c.hits++
	return e.info.Clone(), true
}

// Set stores a copy of info for serial. When the cache is full the entry
// stored longest ago is evicted.
func (c *InfoCache) Set(serial string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}
	now := c.now()
	c.prune(now)
	if _, ok := c.entries[serial]; !ok && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[serial] = cached{info: info.Clone(), storedAt: now}
}

// Invalidate drops serial.
func (c *InfoCache) Invalidate(serial string) {
	c.mu.Lock()
	delete(c.entries, serial)
	c.mu.Unlock()
}

// InvalidateAll drops every entry. Seat counts are license-wide, so any
// activation or deregistration stales every serial's answer.
func (c *InfoCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cached)
	c.mu.Unlock()
}

// Stats reports the cache size and hit counters.
func (c *InfoCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries: len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		TTL:     c.ttl,
	}
}

func (c *InfoCache) prune(now time.Time) {
	for serial, e := range c.entries {
		if !c.fresh(e, now) {
			delete(c.entries, serial)
		}
	}
}

func (c *InfoCache) evictOldest() {
	var oldest string
	var at time.Time
	for serial, e := range c.entries {
		if oldest == "" || e.storedAt.Before(at) {
			oldest, at = serial, e.storedAt
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}
