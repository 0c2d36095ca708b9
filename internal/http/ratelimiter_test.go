package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow() {
		t.Fatal("expected call within window to still be denied")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow() {
		t.Fatal("expected limiter to permit call after window passes")
	}
}

func TestSlidingWindowLimiterDisabled(t *testing.T) {
	if !NewSlidingWindowLimiter(0, 0, nil).Allow() {
		t.Fatal("limiter with zero configuration should allow")
	}
	var nilLimiter *SlidingWindowLimiter
	if !nilLimiter.Allow() {
		t.Fatal("nil limiter should allow")
	}
}

func TestKeyedLimiterTracksKeysIndependently(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewKeyedLimiter(time.Second, 1, func() time.Time { return now })

	if !limiter.Allow("a") || !limiter.Allow("b") {
		t.Fatal("first call per key should be allowed")
	}
	if limiter.Allow("a") {
		t.Fatal("second call for a should be denied")
	}
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", limiter.Len())
	}

	limiter.Forget("a")
	if !limiter.Allow("a") {
		t.Fatal("forgotten key should start a fresh window")
	}

	now = now.Add(2 * time.Second)
	if !limiter.Allow("b") {
		t.Fatal("window for b should have elapsed")
	}
}

func TestKeyedLimiterDisabled(t *testing.T) {
	limiter := NewKeyedLimiter(time.Second, 0, nil)
	for i := 0; i < 5; i++ {
		if !limiter.Allow("x") {
			t.Fatal("zero limit should disable limiting")
		}
	}
	if limiter.Len() != 0 {
		t.Fatal("disabled limiter should not track keys")
	}
}
