package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultConfig contains result cache configuration.
type ResultConfig struct {
	Size   int
	MaxAge time.Duration // zero disables expiry
}

// ResultStats is a snapshot of result cache counters.
type ResultStats struct {
	Len       int   `json:"len"`
	Cap       int   `json:"cap"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type resultEntry[V any] struct {
	value    V
	storedAt time.Time
}

// ResultCache is a bounded LRU cache with optional max age.
type ResultCache[V any] struct {
	mu     sync.Mutex
	lru    *lru.Cache[Key, resultEntry[V]]
	size   int
	maxAge time.Duration
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// NewResultCache creates a result cache.
func NewResultCache[V any](cfg ResultConfig) (*ResultCache[V], error) {
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	l, err := lru.New[Key, resultEntry[V]](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &ResultCache[V]{
		lru:    l,
		size:   cfg.Size,
		maxAge: cfg.MaxAge,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source (tests).
func (c *ResultCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *ResultCache[V]) expiredAt(e resultEntry[V], now time.Time) bool {
	return c.maxAge > 0 && now.Sub(e.storedAt) > c.maxAge
}

// Get returns a cached value and refreshes its recency.
func (c *ResultCache[V]) Get(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(k)
	if ok && c.expiredAt(e, c.now()) {
		c.lru.Remove(k)
		c.expired.Add(1)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Contains reports whether a live entry exists, without touching recency or
// counters.
func (c *ResultCache[V]) Contains(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(k)
	return ok && !c.expiredAt(e, c.now())
}

// Peek returns a live value without touching recency or counters.
func (c *ResultCache[V]) Peek(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(k)
	if !ok || c.expiredAt(e, c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value, replacing any previous entry.
func (c *ResultCache[V]) Set(k Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.lru.Add(k, resultEntry[V]{value: v, storedAt: c.now()}); evicted {
		c.evictions.Add(1)
	}
}

// InvalidatePage removes every entry that references the page.
func (c *ResultCache[V]) InvalidatePage(pageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		if k.References(pageID) {
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// ShrinkTo evicts the oldest entries until at most fraction*capacity remain.
func (c *ResultCache[V]) ShrinkTo(fraction float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := int(float64(c.size) * fraction)
	if target < 0 {
		target = 0
	}
	removed := 0
	for c.lru.Len() > target {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	c.evictions.Add(int64(removed))
	return removed
}

// PurgeExpired removes all entries older than the max age.
func (c *ResultCache[V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxAge <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.expiredAt(e, now) {
			c.lru.Remove(k)
			removed++
		}
	}
	c.expired.Add(int64(removed))
	return removed
}

// Values returns all live values, oldest first.
func (c *ResultCache[V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]V, 0, c.lru.Len())
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && !c.expiredAt(e, now) {
			out = append(out, e.value)
		}
	}
	return out
}

// Clear removes all entries.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *ResultCache[V]) Len() int {
	return c.lru.Len()
}

// Cap returns the configured capacity.
func (c *ResultCache[V]) Cap() int {
	return c.size
}

// Stats returns counters.
func (c *ResultCache[V]) Stats() ResultStats {
	return ResultStats{
		Len:       c.lru.Len(),
		Cap:       c.size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}
