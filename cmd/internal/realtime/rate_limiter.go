package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many inbound frames a single session may push
// through the read loop per window. One limiter per connection, so a
// chatty client only throttles itself.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
// Stamps are appended in call order, so expired entries form a prefix.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	keep := 0
	for keep < len(r.stamps) && !r.stamps[keep].After(cut) {
		keep++
	}
	if keep > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[keep:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
