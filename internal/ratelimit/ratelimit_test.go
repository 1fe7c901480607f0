package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*MemoryLimiter, *time.Time) {
	clock := start
	l := NewMemoryLimiter()
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestMemoryLimiter_WindowFillsAndResets(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)

	for i := 0; i < 3; i++ {
		if !Allow(ctx, l, "sync_job:c1", 3, time.Minute) {
			t.Fatalf("request %d unexpectedly denied", i)
		}
	}

	if Allow(ctx, l, "sync_job:c1", 3, time.Minute) {
		t.Fatalf("expected denial once the window is full")
	}

	// Other keys are unaffected.
	if !Allow(ctx, l, "sync_job:c2", 3, time.Minute) {
		t.Fatalf("different key should have its own window")
	}

	// A new window opens after expiry.
	*clock = start.Add(61 * time.Second)
	if !Allow(ctx, l, "sync_job:c1", 3, time.Minute) {
		t.Fatalf("expected allowance in the next window")
	}
}

func TestMemoryLimiter_CheckDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 10; i++ {
		if !l.Check(ctx, "poll", 1, time.Minute) {
			t.Fatalf("check %d consumed a slot", i)
		}
	}

	l.Increment(ctx, "poll", time.Minute)
	if l.Check(ctx, "poll", 1, time.Minute) {
		t.Fatalf("expected full window after one increment with max 1")
	}
}

func TestMemoryLimiter_ZeroMaxDeniesAll(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if Allow(ctx, l, "anything", 0, time.Minute) {
		t.Fatalf("max 0 must deny every request")
	}
}
