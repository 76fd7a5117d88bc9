package relay

import (
	"sync"
	"time"
)

// SlidingWindowLimiter bounds how many challenges one player may issue within
// a rolling time window, so a stuck or hostile client cannot spam the lobby.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	attempts []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit attempts
// per window. A non-positive window or limit disables the limiter.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &SlidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
	}
}

// Allow reports whether another attempt fits inside the window and records it.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.attempts[:0]
	for _, ts := range l.attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.attempts = kept
	if len(l.attempts) >= l.limit {
		return false
	}
	l.attempts = append(l.attempts, now)
	return true
}
