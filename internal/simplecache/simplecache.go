// Package simplecache is a small fixed-capacity in-memory cache with
// per-entry TTL and least-recently-used eviction.
//
// It holds ad hoc keys that do not belong in the persistent store, such as
// memoized rate-limit checks. All methods are safe for concurrent use.
package simplecache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultCapacity = 256
	DefaultTTL      = time.Minute
)

// Options configures a Cache.
type Options struct {
	// Capacity is the maximum number of entries kept.
	Capacity int
	// TTL applies to Set. SetWithTTL overrides it per entry.
	TTL time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Len       int
}

type item[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache maps K to V.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*list.Element
	order    *list.List // front is most recently used
	capacity int
	ttl      time.Duration
	clock    clockwork.Clock

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache[K, V]{
		items:    make(map[K]*list.Element, opts.Capacity),
		order:    list.New(),
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		clock:    opts.Clock,
	}
}

// Get returns the live value for key. Expired entries are removed on access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Inc()
		var zero V
		return zero, false
	}
	it := el.Value.(*item[K, V])
	if !c.clock.Now().Before(it.expiresAt) {
		c.removeElement(el)
		c.misses.Inc()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits.Inc()
	return it.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key for ttl. A non-positive ttl removes key.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		if el, ok := c.items[key]; ok {
			c.removeElement(el)
		}
		return
	}

	expiresAt := c.clock.Now().Add(ttl)
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item[K, V])
		it.value = value
		it.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}
	c.items[key] = c.order.PushFront(&item[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// PurgeExpired removes all expired entries and returns how many were removed.
func (c *Cache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*item[K, V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.Len(),
	}
}

// evict drops an expired entry if there is one, else the least recently
// used. Callers hold mu.
func (c *Cache[K, V]) evict() {
	now := c.clock.Now()
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if !now.Before(el.Value.(*item[K, V]).expiresAt) {
			c.removeElement(el)
			return
		}
	}
	if el := c.order.Back(); el != nil {
		c.removeElement(el)
		c.evictions.Inc()
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*item[K, V]).key)
}
