package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	bucket int64
	count  int
	reset  time.Time
}

// MemoryLimiter counts requests per key in process memory. Counts are lost on
// restart and are not shared between replicas.
type MemoryLimiter struct {
	mu        sync.Mutex
	counters  map[string]*memoryEntry
	nextPrune time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counters: make(map[string]*memoryEntry)}
}

// Allow admits the request when key has budget left in the window containing now.
func (l *MemoryLimiter) Allow(_ context.Context, key string, rule Rule, now time.Time) (Result, error) {
	if rule.Unlimited() || key == "" {
		return Result{Allowed: true}, nil
	}
	bucket, reset := rule.bucket(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now, rule.window())
	entry := l.counters[key]
	if entry == nil || entry.bucket != bucket {
		entry = &memoryEntry{bucket: bucket, reset: reset}
		l.counters[key] = entry
	}
	if entry.count >= rule.Limit {
		return Result{Allowed: false, Reset: reset}, nil
	}
	entry.count++
	return Result{Allowed: true, Remaining: rule.Limit - entry.count, Reset: reset}, nil
}

// pruneLocked drops closed windows at most once per window length.
func (l *MemoryLimiter) pruneLocked(now time.Time, every time.Duration) {
	if now.Before(l.nextPrune) {
		return
	}
	for key, entry := range l.counters {
		if !now.Before(entry.reset) {
			delete(l.counters, key)
		}
	}
	l.nextPrune = now.Add(every)
}

// size reports the number of tracked keys.
func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
