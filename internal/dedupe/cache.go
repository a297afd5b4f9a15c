// ABOUTME: Thread-safe TTL cache of recently seen keys, bounded in size.
// ABOUTME: Retires correlation ids so late or duplicate envelopes can be recognised.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[K comparable] struct {
	key       K
	timestamp time.Time
}

// Cache remembers keys for ttl, evicting the oldest once maxSize is reached.
// Insertion order is kept in a linked list so eviction is O(1).
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option[K comparable] func(*Cache[K])

// WithClock replaces time.Now, for tests.
func WithClock[K comparable](now func() time.Time) Option[K] {
	return func(c *Cache[K]) {
		c.now = now
	}
}

// New creates a cache. A background goroutine sweeps expired keys every
// sweepInterval (or every ttl when sweepInterval is zero) until Close.
func New[K comparable](ttl time.Duration, maxSize int, sweepInterval time.Duration, opts ...Option[K]) *Cache[K] {
	c := &Cache[K]{
		seen:    make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Check reports whether key was marked within the last ttl.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already live.
// Doing both under one lock closes the check-then-mark race.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of keys held, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) liveLocked(key K) bool {
	elem, ok := c.seen[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*cacheEntry[K])
	return c.now().Sub(entry.timestamp) < c.ttl
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if elem, exists := c.seen[key]; exists {
		elem.Value.(*cacheEntry[K]).timestamp = now
		c.order.MoveToBack(elem)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.seen[key] = c.order.PushBack(&cacheEntry[K]{key: key, timestamp: now})
}

func (c *Cache[K]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(*cacheEntry[K]).key)
}

func (c *Cache[K]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops every expired key. Entries are ordered by mark time, so the
// walk stops at the first live one.
func (c *Cache[K]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(*cacheEntry[K])
		if now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, entry.key)
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
