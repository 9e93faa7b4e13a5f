package abuse

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// FixedWindow counts events per key in fixed windows. A window starts on the
// first event after the previous one expired; an expired window behaves as
// absent.
type FixedWindow struct {
	limit  int
	window time.Duration
	clock  quartz.Clock

	mu      sync.Mutex
	entries *orderedMap[*windowEntry]
}

type windowEntry struct {
	count     int
	expiresAt time.Time
}

// NewFixedWindow allows limit events per key in each window.
func NewFixedWindow(limit int, window time.Duration, clock quartz.Clock) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  window,
		clock:   clock,
		entries: newOrderedMap[*windowEntry](),
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (w *FixedWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	entry, ok := w.entries.get(key)
	if !ok || !now.Before(entry.expiresAt) {
		w.entries.delete(key)
		w.entries.set(key, &windowEntry{count: 1, expiresAt: now.Add(w.window)})
		return true
	}

	if entry.count < w.limit {
		entry.count++
		return true
	}
	return false
}

// TimeUntilReset returns how long until the window for key expires.
func (w *FixedWindow) TimeUntilReset(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries.get(key)
	if !ok {
		return 0
	}
	remaining := entry.expiresAt.Sub(w.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the window for key.
func (w *FixedWindow) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries.delete(key)
}

// Sweep removes expired windows, then evicts the oldest entries beyond
// maxEntries. It returns the number of entries removed.
func (w *FixedWindow) Sweep(maxEntries int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	removed := w.entries.removeIf(func(_ string, e *windowEntry) bool {
		return !now.Before(e.expiresAt)
	})
	return removed + w.entries.evictOldest(maxEntries)
}

// Len returns the number of tracked keys.
func (w *FixedWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries.len()
}
