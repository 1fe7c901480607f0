// Package ratelimit provides the fixed-window counters that pace
// provider traffic: per-company sync ceilings, the global poll gate,
// and the HTTP create-job limit.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is a fixed-window counter. Check reports whether another
// operation fits in the current window; Increment consumes a slot.
// Implementations fail open: a broken backing store must never stall
// the pipeline, only log.
type Limiter interface {
	Check(ctx context.Context, key string, max int, window time.Duration) bool
	Increment(ctx context.Context, key string, window time.Duration)
}

// Allow is the combined check-and-consume most callers want. It
// returns false without consuming when the window is already full.
func Allow(ctx context.Context, l Limiter, key string, max int, window time.Duration) bool {
	if !l.Check(ctx, key, max, window) {
		return false
	}
	l.Increment(ctx, key, window)
	return true
}
