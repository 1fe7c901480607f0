package notifications

import (
	"context"
	"time"

	"github.com/fieldsync/dispatch/internal/retry"
)

const breakerKey = "notify:job_completed"

// ProtectedNotifier guards a channel with a hard per-send timeout and a
// circuit breaker so a dead downstream cannot stall the poll loop. When
// the circuit is open sends fail fast with retry.ErrCircuitOpen.
type ProtectedNotifier struct {
	inner   Notifier
	breaker *retry.CircuitBreaker
	timeout time.Duration
}

func NewProtectedNotifier(inner Notifier, breaker *retry.CircuitBreaker, timeout time.Duration) *ProtectedNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ProtectedNotifier{
		inner:   inner,
		breaker: breaker,
		timeout: timeout,
	}
}

func (n *ProtectedNotifier) SendJobCompleted(ctx context.Context, input JobCompletedInput) error {
	if !n.breaker.Allow(breakerKey, time.Now().UTC()) {
		return retry.ErrCircuitOpen
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n.inner.SendJobCompleted(sendCtx, input)
	if err != nil {
		n.breaker.RecordFailure(breakerKey, time.Now().UTC())
		return err
	}
	n.breaker.RecordSuccess(breakerKey)
	return nil
}
