package cache

import (
	"sync"
	"time"
)

type entry struct {
	key string
	ts  time.Time
}

type item struct {
	value string
	ts    time.Time
}

// Cache is a fixed-size string cache whose entries expire after ttl.
// The oldest writes are evicted first when capacity is exceeded.
type Cache struct {
	mu       sync.Mutex
	items    map[string]item
	order    []entry
	capacity int
	ttl      time.Duration
}

// New creates a cache with the provided capacity and ttl.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]item, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok || time.Now().Sub(it.ts) > c.ttl {
		return "", false
	}
	return it.value, true
}

// Set stores value under key, replacing any previous value.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.items[key] = item{value: value, ts: now}
	c.order = append(c.order, entry{key: key, ts: now})
	c.compact(now)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		// A rewrite leaves a stale order entry behind; only the newest one deletes.
		if it, ok := c.items[oldest.key]; ok && it.ts.Equal(oldest.ts) {
			delete(c.items, oldest.key)
		}
	}
}
