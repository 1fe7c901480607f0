package routing

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SyncStatus tracks a routing through the delivery state machine:
// pending -> processing -> synced -> completed, with failed as the
// retryable detour.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncProcessing SyncStatus = "processing"
	SyncSynced     SyncStatus = "synced"
	SyncFailed     SyncStatus = "failed"
	SyncCompleted  SyncStatus = "completed"
)

var (
	ErrRoutingNotFound = errors.New("job routing not found")

	// ErrNotClaimable is returned when a claim attempt matches no row,
	// meaning another worker won the routing or it is not in a
	// claimable state.
	ErrNotClaimable = errors.New("job routing not claimable")

	// ErrDuplicateRouting maps the UNIQUE(job_id, company_id_received)
	// violation: a job is routed to a given company at most once.
	ErrDuplicateRouting = errors.New("job already routed to company")

	// ErrNotProcessing is returned when a sync-result transition finds
	// the routing no longer in processing, meaning another worker
	// reclaimed it after this one's claim went stale.
	ErrNotProcessing = errors.New("job routing is not processing")

	// ErrNotSynced is returned when a completion lands on a routing
	// that is not in synced state.
	ErrNotSynced = errors.New("job routing is not synced")
)

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncPending, SyncProcessing, SyncSynced, SyncFailed, SyncCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether no further sync work applies. Synced is
// terminal for delivery (only polling touches it afterwards).
func (s SyncStatus) IsTerminal() bool {
	return s == SyncSynced || s == SyncCompleted
}

const (
	// DefaultMaxRetries bounds delivery attempts per routing.
	DefaultMaxRetries = 3

	// DefaultStuckAfter is how long a processing claim may sit before
	// another worker is allowed to steal it.
	DefaultStuckAfter = 10 * time.Minute

	retryBase = 5 * time.Minute
	retryCap  = 20 * time.Minute
)

// JobRouting links a job to one receiving company and carries the full
// delivery lifecycle: claim bookkeeping, retry schedule, the provider's
// external id once synced, and revenue once the provider reports the
// work done.
type JobRouting struct {
	ID                string     `json:"id"`
	JobID             string     `json:"jobId"`
	CompanyIDReceived string     `json:"companyIdReceived"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	ExternalID        *string    `json:"externalId,omitempty"`
	RetryCount        int        `json:"retryCount"`
	TotalSyncAttempts int        `json:"totalSyncAttempts"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	ClaimedAt         *time.Time `json:"claimedAt,omitempty"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	Revenue           *float64   `json:"revenue,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func New(jobID, companyID string) JobRouting {
	now := time.Now().UTC()

	return JobRouting{
		ID:                uuid.NewString(),
		JobID:             jobID,
		CompanyIDReceived: companyID,
		SyncStatus:        SyncPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CanSync reports whether a sync attempt may claim this routing right
// now: pending rows always, failed rows once their backoff elapsed and
// retries remain, and processing rows whose claim has gone stale.
func (r JobRouting) CanSync(now time.Time, stuckAfter time.Duration, maxRetries int) bool {
	switch r.SyncStatus {
	case SyncPending:
		return true
	case SyncFailed:
		if r.RetryCount >= maxRetries {
			return false
		}
		return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
	case SyncProcessing:
		return r.ClaimedAt != nil && now.Sub(*r.ClaimedAt) > stuckAfter
	}
	return false
}

// RetryDelay is the backoff before attempt retryCount+1: 5m, 10m, then
// capped at 20m.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := retryBase << uint(retryCount-1)
	if d > retryCap {
		return retryCap
	}
	return d
}

// FailureSchedule computes the retry bookkeeping after a failed
// attempt. It returns the incremented retry count and, when another
// attempt is allowed, the time before which the routing must not be
// retried. Non-retryable failures exhaust the budget immediately so
// scanners never pick the routing up again.
func FailureSchedule(retryCount, maxRetries int, now time.Time, retryable bool) (int, *time.Time) {
	if !retryable {
		return maxRetries, nil
	}

	next := retryCount + 1
	if next >= maxRetries {
		return next, nil
	}

	at := now.Add(RetryDelay(next))
	return next, &at
}
