// Package pricecache caches product prices discovered during searches so
// cart totals can be computed without re-querying the catalog. The
// in-memory level is bounded; an optional SQLite level survives restarts.
package pricecache

import "sync"

// DefaultCapacity bounds the in-memory cache.
const DefaultCapacity = 5000

// Entry is one cached product price.
type Entry struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Unit  string  `json:"unit"`
}

// Cache is the bounded in-memory price cache. When the capacity is
// reached the oldest half of the entries is evicted in bulk, which keeps
// eviction cost amortized instead of paying per insert.
type Cache struct {
	mu      sync.RWMutex
	cap     int
	entries map[string]Entry
	order   []string // insertion order, oldest first
}

// New creates a cache. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		cap:     capacity,
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for a product id. A miss returns ok=false.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Put stores an entry. Updating an existing id keeps its position in the
// eviction order; last write wins.
func (c *Cache) Put(id string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		c.entries[id] = e
		return
	}

	if len(c.entries) >= c.cap {
		c.evictOldestHalf()
	}

	c.entries[id] = e
	c.order = append(c.order, id)
}

// evictOldestHalf drops the oldest half of the cache. Caller holds the lock.
func (c *Cache) evictOldestHalf() {
	n := len(c.order) / 2
	if n == 0 {
		n = 1
	}
	for _, id := range c.order[:n] {
		delete(c.entries, id)
	}
	c.order = append([]string(nil), c.order[n:]...)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
