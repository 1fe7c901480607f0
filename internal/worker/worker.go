// Package worker holds the long-running background loops: the outbox
// drainer, the provider poll loop, the maintenance scheduler, and the
// supervisor that owns their lifecycles.
package worker

import (
	"context"
	"time"
)

// Runner is one background loop the supervisor can manage. Run blocks
// until ctx is cancelled and returns nil on a clean stop; loops never
// exit on work errors, only on cancellation.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// graceful derives a work context that outlives the loop's own
// cancellation by grace, so tasks already in flight when the loop
// stops can finish instead of being cut mid-write. The returned cancel
// releases everything immediately.
func graceful(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(grace, cancel)
	})

	return ctx, func() {
		stop()
		cancel()
	}
}
