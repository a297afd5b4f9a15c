// ABOUTME: Tests for the TTL key cache used to retire correlation ids.
// ABOUTME: Validates expiry, size-bounded eviction, sweeping, and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	// Long sweep interval: tests drive Sweep directly.
	c := New[string](ttl, maxSize, time.Hour, WithClock[string](clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_CheckUnseen(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	assert.False(t, c.Check("req-1"))
}

func TestCache_MarkThenCheck(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	c.Mark("req-1")
	assert.True(t, c.Check("req-1"))
	assert.False(t, c.Check("req-2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)
	c.Mark("req-1")

	clock.Advance(59 * time.Second)
	assert.True(t, c.Check("req-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Check("req-1"))
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("req-1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("req-1"), "second sighting is a duplicate")

	clock.Advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("req-1"), "expired key counts as new")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for i := range 3 {
		c.Mark(fmt.Sprintf("req-%d", i))
		clock.Advance(time.Second)
	}
	// Refresh req-0 so req-1 becomes the oldest.
	c.Mark("req-0")
	c.Mark("req-3")

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Check("req-0"))
	assert.False(t, c.Check("req-1"))
	assert.True(t, c.Check("req-2"))
	assert.True(t, c.Check("req-3"))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("old")
	clock.Advance(90 * time.Second)
	c.Mark("fresh")

	c.Sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("fresh"))
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New[string](time.Minute, 10, 0)
	c.Close()
	c.Close()
}

func TestCache_Concurrent(t *testing.T) {
	c := New[string](time.Minute, 1000, time.Millisecond)
	defer c.Close()

	var wg sync.WaitGroup
	dupes := make(chan string, 500)
	for w := range 10 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 50 {
				key := fmt.Sprintf("req-%d", i)
				if c.CheckAndMark(key) {
					dupes <- key
				}
				c.Check(fmt.Sprintf("other-%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	close(dupes)

	count := 0
	for range dupes {
		count++
	}
	// 50 distinct keys, each first seen exactly once across 10 goroutines.
	assert.Equal(t, 50*9, count)
}
