// ABOUTME: Thread-safe TTL and size bounded seen-set for dropping redelivered messages
// ABOUTME: The bridge keys it by event seq to suppress duplicate session events

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

// sweepInterval is how often expired entries are removed.
const sweepInterval = time.Minute

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a seen-set with per-key TTL. Insertion order is kept in a list so
// eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	sweep   clock.Timer
	closed  bool
}

// New creates a cache on the real clock.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, clock.Real())
}

// NewWithClock creates a cache whose expiry and sweeps run on clk.
func NewWithClock(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
	c.sweep = clk.AfterFunc(sweepInterval, c.runSweep)
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.clock.Now())
}

// Mark records key as seen now, evicting the oldest entry when full.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.clock.Now())
}

// CheckAndMark marks key and reports whether it was already live, in one
// step so two racing callers cannot both see it as new.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.liveLocked(key, now) {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Len returns the number of entries, expired ones included until the next
// sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.sweep.Stop()
}

func (c *Cache) liveLocked(key string, now time.Time) bool {
	e, ok := c.seen[key]
	return ok && now.Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string, now time.Time) {
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

// runSweep drops expired entries and re-arms itself.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.clock.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
	c.sweep = c.clock.AfterFunc(sweepInterval, c.runSweep)
}
