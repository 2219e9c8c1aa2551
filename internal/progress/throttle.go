package progress

import (
	"sync/atomic"
	"time"
)

// RateLimiter allows at most one event per Interval. Publishers and the hub use
// it to throttle warnings logged from hot paths. The zero value always allows.
type RateLimiter struct {
	Interval time.Duration
	last     atomic.Int64
}

// Allow reports whether an event at now may proceed.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r == nil || r.Interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.Interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
