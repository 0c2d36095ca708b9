package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
// A non-positive window or limit disables limiting.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowLocked(l.now())
}

func (l *SlidingWindowLimiter) allowLocked(now time.Time) bool {
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// KeyedLimiter keeps one sliding window per key, such as a session or remote address.
type KeyedLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*SlidingWindowLimiter
}

// NewKeyedLimiter constructs a limiter allowing up to limit events per key per window.
func NewKeyedLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &KeyedLimiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		windows: make(map[string]*SlidingWindowLimiter),
	}
}

// Allow reports whether key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.limit <= 0 || k.window <= 0 {
		return true
	}
	k.mu.Lock()
	limiter, ok := k.windows[key]
	if !ok {
		limiter = NewSlidingWindowLimiter(k.window, k.limit, k.now)
		k.windows[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

// Forget discards the window tracked for key.
func (k *KeyedLimiter) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.windows, key)
	k.mu.Unlock()
}

// Len reports how many keys are tracked.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
