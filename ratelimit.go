package tipstream

import (
	"sync"
	"time"
)

// RateLimiter bounds outbound publish attempts with a sliding window: at most
// max grants within any window-sized span. Denials never error; callers fall
// back to the publish queue.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	grants []time.Time
	now    func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// TryAcquire prunes grants older than the window, then grants iff the
// remaining count is under the ceiling. Prune-check-record happens under one
// lock so concurrent callers can't oversubscribe the window.
func (rl *RateLimiter) TryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.grants[:0]
	for _, at := range rl.grants {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	rl.grants = kept

	if len(rl.grants) >= rl.max {
		return false
	}
	rl.grants = append(rl.grants, now)
	return true
}

// InFlight returns how many grants are currently counted against the window.
func (rl *RateLimiter) InFlight() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	n := 0
	for _, at := range rl.grants {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
