// Package usecase implements the dispatch workflows: create-job routes
// new work to the best-matching companies, sync-job drives one routing
// to its provider platform, and poll-updates folds provider progress
// back into local state. Use cases own orchestration and transaction
// boundaries; all pure rules live in the domain packages.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/domain/technician"
	"github.com/fieldsync/dispatch/internal/provider"
)

// CompaniesRepo is the company state the use cases read.
type CompaniesRepo interface {
	GetByID(ctx context.Context, id string) (company.Company, error)
	ListActiveWithSkills(ctx context.Context) ([]company.WithSkills, error)
}

type TechniciansRepo interface {
	GetByID(ctx context.Context, id string) (technician.Technician, error)
}

type JobsRepo interface {
	GetByID(ctx context.Context, id string) (job.Job, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
}

// RoutingsRepo covers every routing transition the sync and poll
// paths perform. Claim and the Mark* methods carry the state guards;
// the use cases never write a routing unconditionally.
type RoutingsRepo interface {
	GetByID(ctx context.Context, id string) (routing.JobRouting, error)
	Claim(ctx context.Context, id string, maxRetries int, stuckAfter time.Duration) (routing.JobRouting, error)
	MarkSynced(ctx context.Context, id, externalID string) error
	MarkSyncFailed(ctx context.Context, id, errMsg string, retryCount int, nextRetryAt *time.Time) error
	MarkCompleted(ctx context.Context, id string, revenue *float64) error
	TouchPolled(ctx context.Context, ids []string) error
	ListSyncedForPolling(ctx context.Context, cutoff time.Time, limit int) ([]routing.JobRouting, error)
}

// BundleStore persists a job together with its routings and their
// outbox events as one atomic write.
type BundleStore interface {
	CreateJobBundle(ctx context.Context, j job.Job, routings []routing.JobRouting, events []outbox.Event) error
}

// ProviderRegistry resolves a company to its platform adapter.
type ProviderRegistry interface {
	Resolve(c company.Company) (provider.Provider, error)
}

var (
	// ErrSyncNotAllowed is returned when a sync attempt finds the
	// routing in a state the claim guard rejects: processing under a
	// live claim, or failed with the retry budget spent or the backoff
	// still running.
	ErrSyncNotAllowed = errors.New("routing is not in a syncable state")

	// ErrSyncRateLimited is returned when the receiving company's sync
	// window is full. The routing stays pending; redelivery retries
	// after the event backoff.
	ErrSyncRateLimited = errors.New("company sync rate limit reached")
)

// ValidationError marks rejected input: the request can never succeed
// as sent. HTTP maps it to 400; workers treat it as non-retryable.
type ValidationError struct {
	msg string
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.msg }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
