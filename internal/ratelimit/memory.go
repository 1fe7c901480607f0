package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps per-key windows in process memory. It backs the
// HTTP per-client limit and stands in for Redis in tests and
// single-node deployments. Windows start at the first request.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count     int
	windowEnd time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string, max int, _ time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || l.now().After(b.windowEnd) {
		return max > 0
	}
	return b.count < max
}

func (l *MemoryLimiter) Increment(_ context.Context, key string, window time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.After(b.windowEnd) {
		l.buckets[key] = &bucket{count: 1, windowEnd: now.Add(window)}
		l.sweepLocked(now)
		return
	}
	b.count++
}

// sweepLocked drops expired buckets once the map grows past a few
// hundred keys, keeping long-running workers from leaking windows.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	if len(l.buckets) < 512 {
		return
	}
	for key, b := range l.buckets {
		if now.After(b.windowEnd) {
			delete(l.buckets, key)
		}
	}
}
