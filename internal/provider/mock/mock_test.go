package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/provider"
)

func newTestAdapter(opts ...Option) *Adapter {
	opts = append([]Option{WithBatchPause(0), WithSeed(42)}, opts...)
	return New(NewMemoryLeadStore(), opts...)
}

func TestCreateLead_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter()

	req := provider.CreateLeadRequest{
		Job:            job.Job{Summary: "leaky faucet"},
		IdempotencyKey: "routing-1",
	}

	first, err := a.CreateLead(ctx, req)
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}
	if !first.Success {
		t.Fatalf("expected success, got %+v", first)
	}
	if !strings.HasPrefix(first.ExternalID, "mock_") || len(first.ExternalID) != len("mock_")+8 {
		t.Fatalf("unexpected external id format: %q", first.ExternalID)
	}

	second, err := a.CreateLead(ctx, req)
	if err != nil {
		t.Fatalf("CreateLead replay error: %v", err)
	}
	if second.ExternalID != first.ExternalID {
		t.Fatalf("replay produced a new lead: %q vs %q", second.ExternalID, first.ExternalID)
	}

	// A different key produces a different lead.
	third, err := a.CreateLead(ctx, provider.CreateLeadRequest{Job: job.Job{Summary: "other"}, IdempotencyKey: "routing-2"})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}
	if third.ExternalID == first.ExternalID {
		t.Fatalf("distinct keys must map to distinct leads")
	}
}

func TestGetJobStatus_NeverCompletesAtZeroProbability(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(WithCompletionProbability(0))

	resp, err := a.CreateLead(ctx, provider.CreateLeadRequest{Job: job.Job{Summary: "s"}, IdempotencyKey: "r1"})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}

	for i := 0; i < 10; i++ {
		st, err := a.GetJobStatus(ctx, resp.ExternalID)
		if err != nil {
			t.Fatalf("GetJobStatus error: %v", err)
		}
		if st.IsCompleted {
			t.Fatalf("lead completed with probability 0")
		}
		if st.Status != "pending" {
			t.Fatalf("expected pending, got %s", st.Status)
		}
	}
}

func TestGetJobStatus_CompletesWithRevenue(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(WithCompletionProbability(1))

	resp, err := a.CreateLead(ctx, provider.CreateLeadRequest{Job: job.Job{Summary: "s"}, IdempotencyKey: "r1"})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}

	st, err := a.GetJobStatus(ctx, resp.ExternalID)
	if err != nil {
		t.Fatalf("GetJobStatus error: %v", err)
	}
	if !st.IsCompleted {
		t.Fatalf("expected completion with probability 1")
	}
	if st.Revenue == nil || *st.Revenue < 100 || *st.Revenue > 500 {
		t.Fatalf("revenue outside [100, 500]: %v", st.Revenue)
	}
	if st.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}

	// Completion sticks: revenue never re-rolls.
	again, err := a.GetJobStatus(ctx, resp.ExternalID)
	if err != nil {
		t.Fatalf("GetJobStatus error: %v", err)
	}
	if again.Revenue == nil || *again.Revenue != *st.Revenue {
		t.Fatalf("revenue re-rolled: %v vs %v", again.Revenue, st.Revenue)
	}
}

func TestGetJobStatus_UnknownLead(t *testing.T) {
	a := newTestAdapter()

	st, err := a.GetJobStatus(context.Background(), "mock_missing1")
	if err != nil {
		t.Fatalf("expected soft error in response, got %v", err)
	}
	if st.ErrorMessage == "" {
		t.Fatalf("expected error message for unknown lead")
	}
}

func TestBatchGetJobStatus_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(WithCompletionProbability(0))

	ids := make([]string, 0, 3)
	for _, key := range []string{"r1", "r2", "r3"} {
		resp, err := a.CreateLead(ctx, provider.CreateLeadRequest{Job: job.Job{Summary: key}, IdempotencyKey: key})
		if err != nil {
			t.Fatalf("CreateLead error: %v", err)
		}
		ids = append(ids, resp.ExternalID)
	}

	out, err := a.BatchGetJobStatus(ctx, ids)
	if err != nil {
		t.Fatalf("BatchGetJobStatus error: %v", err)
	}
	if len(out) != len(ids) {
		t.Fatalf("expected %d responses, got %d", len(ids), len(out))
	}
	for i, resp := range out {
		if resp.ExternalID != ids[i] {
			t.Fatalf("response %d out of order: %s vs %s", i, resp.ExternalID, ids[i])
		}
	}
}

func TestValidateConfig(t *testing.T) {
	if !newTestAdapter().ValidateConfig() {
		t.Fatalf("mock adapter must always validate")
	}
}
