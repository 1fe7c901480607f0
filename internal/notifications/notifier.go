// Package notifications delivers best-effort signals about dispatch
// outcomes. Delivery failures never affect job or routing state; the
// poller fires and forgets.
package notifications

import "context"

// JobCompletedInput carries what a downstream channel needs to announce
// a finished job. Revenue is nil when the provider reported completion
// without an amount.
type JobCompletedInput struct {
	JobID     string
	RoutingID string
	CompanyID string
	Summary   string
	Revenue   *float64
}

type Notifier interface {
	SendJobCompleted(ctx context.Context, input JobCompletedInput) error
}
