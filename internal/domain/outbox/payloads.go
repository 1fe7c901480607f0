package outbox

import (
	"encoding/json"
	"fmt"
)

// JobSyncPayload is the event_data carried by a job_sync event. It is
// ID-based on purpose; the sync task reloads the routing and job from
// the database so it always acts on fresh state.
type JobSyncPayload struct {
	RoutingID     string   `json:"routingId"`
	JobID         string   `json:"jobId"`
	CompanyID     string   `json:"companyId"`
	ProviderType  string   `json:"providerType"`
	MatchingScore float64  `json:"matchingScore"`
	MatchedSkills []string `json:"matchedSkills,omitempty"`
}

// JobStatusUpdatePayload announces a provider-side status change
// observed by the poll worker.
type JobStatusUpdatePayload struct {
	RoutingID  string   `json:"routingId"`
	JobID      string   `json:"jobId"`
	ExternalID string   `json:"externalId"`
	Status     string   `json:"status"`
	Revenue    *float64 `json:"revenue,omitempty"`
}

// NewJobSync builds a pending job_sync event. The aggregate is the
// routing, not the job: one job can fan out to several routings and
// each gets its own delivery record.
func NewJobSync(p JobSyncPayload, maxRetries int) (Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	return New(EventJobSync, p.RoutingID, data, maxRetries), nil
}

// DecodeJobSync unmarshals a job_sync event's data into its typed
// payload.
func DecodeJobSync(e Event) (JobSyncPayload, error) {
	if e.EventType != EventJobSync {
		return JobSyncPayload{}, fmt.Errorf("%w: got %s, want %s", ErrInvalidEventType, e.EventType, EventJobSync)
	}
	if len(e.EventData) == 0 {
		return JobSyncPayload{}, ErrInvalidEventPayload
	}

	var p JobSyncPayload
	if err := json.Unmarshal(e.EventData, &p); err != nil {
		return JobSyncPayload{}, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	if p.RoutingID == "" {
		return JobSyncPayload{}, fmt.Errorf("%w: missing routingId", ErrInvalidEventPayload)
	}
	return p, nil
}
