package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many broadcast pushes the match-data layer
// may trigger inside one window. A zero window or limit disables the cap.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events
// per window, reading time from timeSource.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether one more event fits in the current window and, when
// it does, records it.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	live := l.stamps[:0]
	for _, at := range l.stamps {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}
	l.stamps = live
	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
