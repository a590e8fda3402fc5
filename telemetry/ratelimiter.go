package telemetry

import (
	"sync"
	"time"
)

// RateLimiter lets one action through per interval. It guards error logs.
type RateLimiter struct {
	interval time.Duration
	last     time.Time
	mu       sync.Mutex
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Allow reports whether an action may run now and, if so, starts a new
// interval.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
