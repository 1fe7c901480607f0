package outbox

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of work an outbox event carries.
type EventType string

const (
	EventJobSync         EventType = "job_sync"
	EventJobStatusUpdate EventType = "job_status_update"
	EventCompanySync     EventType = "company_sync"
	EventProviderSync    EventType = "provider_sync"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrEventNotClaimable   = errors.New("outbox event is not claimable")
	ErrInvalidEventType    = errors.New("invalid outbox event type")
	ErrInvalidEventPayload = errors.New("invalid outbox event payload")
)

func (t EventType) IsValid() bool {
	switch t {
	case EventJobSync, EventJobStatusUpdate, EventCompanySync, EventProviderSync:
		return true
	}
	return false
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

const (
	// DefaultMaxRetries bounds redelivery of a failed event.
	DefaultMaxRetries = 3

	// retryBackoffBase seeds the 5m/15m/45m redelivery backoff.
	retryBackoffBase = 5 * time.Minute
)

// Event is a transactional outbox row. It is written in the same
// transaction as the state change it announces and dispatched later by
// the outbox worker, so a committed change is never silently dropped.
type Event struct {
	ID           string          `json:"id"`
	EventType    EventType       `json:"eventType"`
	AggregateID  string          `json:"aggregateId"`
	EventData    json.RawMessage `json:"eventData"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
}

func New(t EventType, aggregateID string, data json.RawMessage, maxRetries int) Event {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return Event{
		ID:          uuid.NewString(),
		EventType:   t,
		AggregateID: aggregateID,
		EventData:   data,
		Status:      StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now().UTC(),
	}
}

// RetryBackoff is how long a failed event must rest before redelivery:
// 5m tripled per recorded failure, so 15m after the first.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(retryBackoffBase) * math.Pow(3, float64(retryCount)))
}

// RetryEligible reports whether a failed event may be reset to pending:
// retries must remain and the backoff since the failing attempt must
// have elapsed.
func (e Event) RetryEligible(now time.Time) bool {
	if e.Status != StatusFailed || e.RetryCount >= e.MaxRetries {
		return false
	}
	if e.ProcessedAt == nil {
		return true
	}
	return now.Sub(*e.ProcessedAt) >= RetryBackoff(e.RetryCount)
}
