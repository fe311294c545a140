package ipc

import (
	"sync"
	"time"
)

// Default inbound flood limits.
const (
	maxMessagesPerWindow = 10
	rateWindow           = 1000 * time.Millisecond
)

// rateLimiter is a sliding-window message counter. Every arrival is
// recorded first, then stamps older than the window are discarded, so a
// client pinned at the limit stays limited until it actually backs off.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow records one arrival and reports whether the client is within
// its budget for the current window.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.stamps = append(r.stamps, now)

	cutoff := now.Add(-r.window)
	trimmed := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	r.stamps = trimmed

	return len(r.stamps) <= r.max
}

// Reset clears the window, used when a new client connects.
func (r *rateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = r.stamps[:0]
}
