// Package cache provides a small TTL cache with a bounded entry count.
// Instances are constructed once and passed by reference; there is no
// package-level singleton.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache maps string keys to values of type V. Entries expire after the
// configured TTL and the least recently used entry is evicted once the
// capacity is reached.
type Cache[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	now      func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most capacity entries for at most ttl each.
func New[V any](ttl time.Duration, capacity int) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache[V]{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	ent := elem.Value.(*entry[V])
	if c.now().After(ent.expiresAt) {
		c.removeLocked(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return ent.value, true
}

// Set stores value under key, refreshing the TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)})
	c.entries[key] = elem
	for len(c.entries) > c.capacity {
		c.removeLocked(c.order.Back())
	}
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry[V])
	delete(c.entries, ent.key)
	c.order.Remove(elem)
}
