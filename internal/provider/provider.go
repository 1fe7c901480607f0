// Package provider defines the uniform contract every field-service
// platform adapter implements. Adapters are constructed per company
// from its provider_config and hide all platform specifics behind
// CreateLead / GetJobStatus / BatchGetJobStatus.
package provider

import (
	"context"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/job"
)

type Provider interface {
	// CreateLead pushes a job to the platform. The idempotency key is
	// stable per routing, so replays land on the same platform lead.
	CreateLead(ctx context.Context, req CreateLeadRequest) (CreateLeadResponse, error)

	// GetJobStatus fetches the platform's view of one lead.
	GetJobStatus(ctx context.Context, externalID string) (JobStatusResponse, error)

	// BatchGetJobStatus fetches several leads, politely paced for
	// platforms without a bulk endpoint.
	BatchGetJobStatus(ctx context.Context, externalIDs []string) ([]JobStatusResponse, error)

	// ValidateConfig reports whether the adapter holds every
	// credential it needs. No I/O.
	ValidateConfig() bool
}

type CreateLeadRequest struct {
	Job            job.Job
	IdempotencyKey string
}

type CreateLeadResponse struct {
	Success      bool
	ExternalID   string
	ErrorMessage string
}

type JobStatusResponse struct {
	ExternalID   string
	Status       string
	IsCompleted  bool
	Revenue      *float64
	CompletedAt  *time.Time
	ErrorMessage string
}
