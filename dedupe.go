package tipstream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Deduper suppresses re-delivery of events already seen within a time window.
// Keys expire after the window; if the cache grows past its size cap, the
// oldest 30% of entries are evicted immediately so memory stays bounded even
// under a flood of unique keys.
type Deduper struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	seen    map[string]time.Time
	order   []string // insertion order, oldest first
	now     func() time.Time
}

// evictFraction is how much of the cache goes when the size cap is hit.
const evictFraction = 0.3

func NewDeduper(window time.Duration, maxSize int) *Deduper {
	return &Deduper{
		window:  window,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate reports whether the event's dedup key was already seen within
// the window. A fresh key is recorded before returning, so the second call
// for the same event answers true.
func (d *Deduper) IsDuplicate(ev StreamEvent) bool {
	key := ev.DedupKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	if _, ok := d.seen[key]; ok {
		return true
	}

	d.seen[key] = now
	d.order = append(d.order, key)
	if len(d.seen) > d.maxSize {
		d.evictOldestLocked()
	}
	return false
}

// Size returns the number of live keys, mostly for tests and metrics.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
	return len(d.seen)
}

func (d *Deduper) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	kept := d.order[:0]
	for _, key := range d.order {
		at, ok := d.seen[key]
		if !ok {
			continue
		}
		if at.Before(cutoff) {
			delete(d.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	d.order = kept
}

func (d *Deduper) evictOldestLocked() {
	n := int(float64(len(d.order)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, key := range d.order[:n] {
		delete(d.seen, key)
	}
	d.order = append(d.order[:0], d.order[n:]...)
	logrus.Debugf("dedup cache over %d entries, evicted oldest %d", d.maxSize, n)
}
