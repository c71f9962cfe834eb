package ratelimit

import (
	"context"
	"time"
)

// Rule bounds how many requests a key may make in each fixed window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Unlimited reports whether the rule admits every request.
func (r Rule) Unlimited() bool { return r.Limit <= 0 }

// window returns the rule's window, never shorter than one second.
func (r Rule) window() time.Duration {
	if r.Window < time.Second {
		return time.Second
	}
	return r.Window.Truncate(time.Second)
}

// bucket returns the index of the window containing now and when it closes.
func (r Rule) bucket(now time.Time) (int64, time.Time) {
	size := int64(r.window() / time.Second)
	index := now.Unix() / size
	return index, time.Unix((index+1)*size, 0).UTC()
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// RetryAfter returns the wait until the current window closes, rounded up to a second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || r.Reset.IsZero() {
		return 0
	}
	wait := r.Reset.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule, now time.Time) (Result, error)
}
