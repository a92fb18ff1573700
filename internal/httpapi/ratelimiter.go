package httpapi

import (
	"sync"
	"time"
)

// FixedWindowLimiter allows at most burst events per window, counted from the
// first event in each window.
type FixedWindowLimiter struct {
	window time.Duration
	burst  int
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	used        int
}

// NewFixedWindowLimiter constructs a limiter allowing up to burst events per
// window. A non-positive window or burst disables limiting.
func NewFixedWindowLimiter(window time.Duration, burst int, timeSource func() time.Time) *FixedWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &FixedWindowLimiter{window: window, burst: burst, now: timeSource}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *FixedWindowLimiter) Allow() bool {
	if l == nil || l.window <= 0 || l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.used = 0
	}
	if l.used >= l.burst {
		return false
	}
	l.used++
	return true
}
