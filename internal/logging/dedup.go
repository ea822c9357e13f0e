package logging

import (
	"sync"
	"time"
)

// DefaultDedupWindow collapses identical messages arriving within this window.
const DefaultDedupWindow = 30 * time.Second

// deduper suppresses repeats of the same (level, message) pair inside a
// sliding window. The first occurrence always passes; later occurrences are
// counted and suppressed until the window expires, at which point the next
// occurrence passes carrying the suppressed count.
type deduper struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]*dedupEntry
}

type dedupEntry struct {
	windowStart time.Time
	suppressed  int
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{
		window:  window,
		entries: make(map[string]*dedupEntry),
	}
}

// admit reports whether a record with the given key may pass now. When a new
// window opens after suppression, repeats carries how many identical records
// were swallowed in the expired window.
func (d *deduper) admit(key string, now time.Time) (ok bool, repeats int) {
	if d.window <= 0 {
		return true, 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)

	e, seen := d.entries[key]
	if !seen {
		d.entries[key] = &dedupEntry{windowStart: now}
		return true, 0
	}
	if now.Sub(e.windowStart) < d.window {
		e.suppressed++
		return false, 0
	}

	repeats = e.suppressed
	e.windowStart = now
	e.suppressed = 0
	return true, repeats
}

// pruneLocked drops entries whose window expired with nothing suppressed, so
// the map does not grow without bound across a long session.
func (d *deduper) pruneLocked(now time.Time) {
	if len(d.entries) < 1024 {
		return
	}
	for key, e := range d.entries {
		if e.suppressed == 0 && now.Sub(e.windowStart) >= d.window {
			delete(d.entries, key)
		}
	}
}
