package payment

import (
	"container/list"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DedupCache remembers processed external ids for a bounded time and size.
// Entries are kept in insertion order so expiry and eviction both pop from
// the front.
type DedupCache struct {
	ttl        time.Duration
	maxEntries int
	clock      quartz.Clock

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type dedupEntry struct {
	key      string
	markedAt time.Time
}

// NewDedupCache creates a cache. maxEntries <= 0 disables the size ceiling.
func NewDedupCache(ttl time.Duration, maxEntries int, clock quartz.Clock) *DedupCache {
	return &DedupCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func dedupKey(rail Rail, externalID string) string {
	return string(rail) + ":" + externalID
}

// Contains reports whether the id was marked and has not expired.
func (c *DedupCache) Contains(rail Rail, externalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.clock.Now())
	_, ok := c.entries[dedupKey(rail, externalID)]
	return ok
}

// MarkIfAbsent marks the id and returns true, or returns false if it was
// already marked.
func (c *DedupCache) MarkIfAbsent(rail Rail, externalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expireLocked(now)

	key := dedupKey(rail, externalID)
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = c.order.PushBack(&dedupEntry{key: key, markedAt: now})
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Front())
	}
	return true
}

// Forget removes the id so a later redelivery is processed again.
func (c *DedupCache) Forget(rail Rail, externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[dedupKey(rail, externalID)]; ok {
		c.removeLocked(el)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *DedupCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(c.clock.Now())
}

// Len returns the number of live entries.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *DedupCache) expireLocked(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-c.ttl)
	removed := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if el.Value.(*dedupEntry).markedAt.After(cutoff) {
			break
		}
		c.removeLocked(el)
		removed++
	}
	return removed
}

func (c *DedupCache) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*dedupEntry).key)
	c.order.Remove(el)
}
