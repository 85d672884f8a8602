// Package cache provides a bounded, thread-safe LRU map with absolute
// time-to-live expiry. It backs the JWKS key material cache and the
// internal key verification cache.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Clock returns the current time. Tests inject a fake clock to drive expiry.
type Clock func() time.Time

// Loader produces the value for a missing key.
type Loader[V any] func(ctx context.Context) (V, error)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU is a fixed-capacity cache evicting the least recently used entry once
// full. Entries expire a fixed TTL after insertion regardless of reads.
// A zero TTL disables expiry.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      Clock
	order    *list.List
	items    map[K]*list.Element
	flights  singleflight.Group
}

// Option configures an LRU.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// New creates an LRU holding at most capacity entries. A capacity below one
// is raised to one.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *LRU[K, V] {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.clock,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Get returns the live value for key and marks it most recently used.
// Expired entries are removed and reported as misses.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set inserts or replaces key. Replacing resets the entry's TTL.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		el.Value = &entry[K, V]{key: key, value: value, expiresAt: exp}
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: exp})
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
}

// Delete removes key if present.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// DeleteFunc removes every entry whose key and value satisfy fn.
func (c *LRU[K, V]) DeleteFunc(fn func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if fn(e.key, e.value) {
			c.removeElement(el)
			n++
		}
		el = next
	}
	return n
}

// Len returns the number of stored entries, including ones that have
// expired but not yet been observed.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge removes all entries.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
}

// GetOrFetch returns the cached value for key or calls load and stores its
// result. Concurrent misses on the same key share a single load. The load
// runs detached from the cancellation of the caller that started it, so one
// caller giving up does not fail the others; each caller still returns when
// its own ctx is done. Errors are not cached.
func (c *LRU[K, V]) GetOrFetch(ctx context.Context, key K, load Loader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(fmt.Sprintf("%#v", key), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *LRU[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(c.items, e.key)
	c.order.Remove(el)
}
