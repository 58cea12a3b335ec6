// Package bulk serves multi-variable loads over a fixed set of pages from a
// small cache with LRU and absolute-age eviction.
package bulk

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

// Families of bulk entries. Obs fields and genes never share an entry.
const (
	FamilyGene = "gene"
	FamilyObs  = "obs"
)

// Data maps variable key to page id to page data.
type Data map[string]map[string]model.PageData

// Entry is one cached bulk result. Entries are never mutated after they are
// stored; merges build a new entry. Digest is the folded version of the pages
// the data was sliced from.
type Entry struct {
	Family        string
	PageIDs       []string
	Digest        uint64
	Data          Data
	Timestamp     time.Time
	VariableCount int
}

// Variables returns the cached variable keys in sorted order.
func (e *Entry) Variables() []string {
	out := make([]string, 0, len(e.Data))
	for v := range e.Data {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SizeBytes estimates the memory held by the entry.
func (e *Entry) SizeBytes() int64 {
	var n int64
	for _, byPage := range e.Data {
		for _, pd := range byPage {
			n += pd.SizeBytes()
		}
	}
	return n
}

// Key returns the cache key of a family and page set.
func Key(family string, pageIDs []string) string {
	return family + "|" + cache.EncodePageSet(pageIDs)
}

// Stats is a snapshot of bulk cache counters.
type Stats struct {
	Len       int   `json:"len"`
	Cap       int   `json:"cap"`
	Hits      int64 `json:"hits"`
	Partial   int64 `json:"partial"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Outdated  int64 `json:"outdated"`
	Bytes     int64 `json:"bytes"`
}

// Cache holds bulk entries.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *Entry]
	size   int
	maxAge time.Duration
	now    func() time.Time

	hits      atomic.Int64
	partial   atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
	outdated  atomic.Int64
}

// NewCache creates a bulk cache. Zero values select a capacity of 5 entries
// and a max age of 5 minutes.
func NewCache(size int, maxAge time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 5
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	l, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, size: size, maxAge: maxAge, now: time.Now}, nil
}

// SetClock replaces the time source (tests).
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) stale(e *Entry, now time.Time) bool {
	return now.Sub(e.Timestamp) > c.maxAge
}

// Get returns the entry for key and marks it recently used. Expired entries
// are removed and reported missing.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.stale(e, c.now()) {
		c.lru.Remove(key)
		c.expired.Add(1)
		return nil, false
	}
	return e, true
}

// Put stores an entry, stamping it with the current time. Expired entries
// are purged first so they never displace live ones.
func (c *Cache) Put(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)
	e.Timestamp = now
	e.VariableCount = len(e.Data)
	if c.lru.Add(key, e) {
		c.evictions.Add(1)
	}
}

func (c *Cache) purgeLocked(now time.Time) int {
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.stale(e, now) {
			c.lru.Remove(k)
			removed++
		}
	}
	c.expired.Add(int64(removed))
	return removed
}

// Merge stores a new entry holding the live entry's variables for key plus
// add. Variables in add replace cached ones. When the live entry was built
// for a different page digest nothing is stored and the returned entry holds
// add alone; stored reports whether the cache was updated.
func (c *Cache) Merge(key, family string, digest uint64, pageIDs []string, add Data) (e *Entry, stored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	data := make(Data)
	prev, ok := c.lru.Peek(key)
	if ok && prev.Digest == digest {
		for v, byPage := range prev.Data {
			data[v] = byPage
		}
	}
	for v, byPage := range add {
		data[v] = byPage
	}
	e = &Entry{
		Family:        family,
		PageIDs:       append([]string(nil), pageIDs...),
		Digest:        digest,
		Data:          data,
		Timestamp:     now,
		VariableCount: len(data),
	}
	if ok && prev.Digest != digest {
		return e, false
	}
	if c.lru.Add(key, e) {
		c.evictions.Add(1)
	}
	return e, true
}

// removeEntry drops key if it still maps to e.
func (c *Cache) removeEntry(key string, e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur == e {
		c.lru.Remove(key)
		return true
	}
	return false
}

// PurgeExpired removes expired entries.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

// InvalidatePage removes every entry covering the page.
func (c *Cache) InvalidatePage(pageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		for _, id := range e.PageIDs {
			if id == pageID {
				c.lru.Remove(k)
				removed++
				break
			}
		}
	}
	return removed
}

// Clear removes all entries and returns how many were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lru.Len()
	c.lru.Purge()
	return n
}

// Keys returns cached keys from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Cap returns the capacity.
func (c *Cache) Cap() int {
	return c.size
}

// Stats returns counters and the estimated size of cached entries.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	var bytes int64
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok {
			bytes += e.SizeBytes()
		}
	}
	c.mu.Unlock()

	return Stats{
		Len:       c.lru.Len(),
		Cap:       c.size,
		Hits:      c.hits.Load(),
		Partial:   c.partial.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Outdated:  c.outdated.Load(),
		Bytes:     bytes,
	}
}
