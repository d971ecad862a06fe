package tipstream

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy computes how long to wait before reconnect attempt n.
// The deterministic part grows exponentially up to MaxDelay; the jitter keeps
// a fleet of clients from retrying in lockstep after a shared outage.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       time.Duration
	MaxAttempts  int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       500 * time.Millisecond,
		MaxAttempts:  10,
	}
}

// NextDelay returns the delay before attempt number attempt (0-based).
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	delay := time.Duration(base)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// ShouldRetry reports whether another automatic attempt is allowed.
// Past the cap the connection settles at disconnected and only a manual
// Reconnect can revive it.
func (p ReconnectPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
