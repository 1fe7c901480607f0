package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestJobSyncRoundTrip(t *testing.T) {
	payload := JobSyncPayload{
		RoutingID:     "routing-1",
		JobID:         "job-1",
		CompanyID:     "company-1",
		ProviderType:  "mock",
		MatchingScore: 5.3,
		MatchedSkills: []string{"plumbing"},
	}

	ev, err := NewJobSync(payload, 0)
	if err != nil {
		t.Fatalf("NewJobSync error: %v", err)
	}
	if ev.EventType != EventJobSync {
		t.Fatalf("expected %s, got %s", EventJobSync, ev.EventType)
	}
	if ev.AggregateID != "routing-1" {
		t.Fatalf("expected aggregate routing-1, got %s", ev.AggregateID)
	}
	if ev.Status != StatusPending {
		t.Fatalf("expected pending, got %s", ev.Status)
	}
	if ev.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default max retries, got %d", ev.MaxRetries)
	}

	decoded, err := DecodeJobSync(ev)
	if err != nil {
		t.Fatalf("DecodeJobSync error: %v", err)
	}
	if decoded.RoutingID != payload.RoutingID || decoded.MatchingScore != payload.MatchingScore {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeJobSync_WrongType(t *testing.T) {
	ev := New(EventCompanySync, "c1", []byte(`{}`), 3)

	_, err := DecodeJobSync(ev)
	if !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestDecodeJobSync_BadPayload(t *testing.T) {
	ev := New(EventJobSync, "j1", []byte(`{not json`), 3)
	if _, err := DecodeJobSync(ev); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}

	ev = New(EventJobSync, "j1", []byte(`{}`), 3)
	if _, err := DecodeJobSync(ev); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload for missing routingId, got %v", err)
	}
}

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 15 * time.Minute},
		{2, 45 * time.Minute},
	}

	for _, tc := range cases {
		if got := RetryBackoff(tc.retryCount); got != tc.want {
			t.Fatalf("RetryBackoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestRetryEligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	longAgo := now.Add(-time.Hour)

	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"pending never eligible", Event{Status: StatusPending, MaxRetries: 3}, false},
		{"completed never eligible", Event{Status: StatusCompleted, MaxRetries: 3}, false},
		{"failed after backoff", Event{Status: StatusFailed, RetryCount: 1, MaxRetries: 3, ProcessedAt: &longAgo}, true},
		{"failed inside backoff", Event{Status: StatusFailed, RetryCount: 1, MaxRetries: 3, ProcessedAt: &recent}, false},
		{"failed exhausted", Event{Status: StatusFailed, RetryCount: 3, MaxRetries: 3, ProcessedAt: &longAgo}, false},
		{"failed no processed_at", Event{Status: StatusFailed, RetryCount: 1, MaxRetries: 3}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.RetryEligible(now); got != tc.want {
				t.Fatalf("RetryEligible = %v, want %v", got, tc.want)
			}
		})
	}
}
