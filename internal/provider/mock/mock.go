// Package mock simulates a field-service platform for development and
// integration environments. Leads live in a shared store so the API
// and worker processes observe the same simulated state.
package mock

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/dispatch/internal/provider"
)

const Name = "mock"

const (
	statusPending   = "pending"
	statusCompleted = "completed"

	minRevenue = 100.0
	maxRevenue = 500.0
)

type lead struct {
	ExternalID  string     `json:"externalId"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary"`
	Revenue     *float64   `json:"revenue,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Adapter struct {
	store LeadStore

	// completionProbability is the per-poll chance a pending lead
	// flips to completed. Default 0.2; tests pin it to 0 or 1.
	completionProbability float64

	batchPause time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var _ provider.Provider = (*Adapter)(nil)

type Option func(*Adapter)

// WithCompletionProbability overrides the completion chance.
func WithCompletionProbability(p float64) Option {
	return func(a *Adapter) {
		if p >= 0 && p <= 1 {
			a.completionProbability = p
		}
	}
}

// WithBatchPause overrides the inter-call pause in batch polling.
func WithBatchPause(d time.Duration) Option {
	return func(a *Adapter) { a.batchPause = d }
}

// WithSeed makes the simulation reproducible.
func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rng = rand.New(rand.NewSource(seed)) }
}

func New(store LeadStore, opts ...Option) *Adapter {
	a := &Adapter{
		store:                 store,
		completionProbability: 0.2,
		batchPause:            50 * time.Millisecond,
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ValidateConfig always passes: the mock platform needs no
// credentials.
func (a *Adapter) ValidateConfig() bool { return true }

func (a *Adapter) CreateLead(ctx context.Context, req provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
	idemKey := "idem:" + req.IdempotencyKey

	// Replays return the lead created the first time around.
	if existing, ok, err := a.store.Get(ctx, idemKey); err != nil {
		return provider.CreateLeadResponse{}, provider.WrapError(provider.KindUnavailable, Name, err, "lead store get")
	} else if ok {
		return provider.CreateLeadResponse{Success: true, ExternalID: string(existing)}, nil
	}

	externalID := newExternalID()
	l := lead{
		ExternalID: externalID,
		Status:     statusPending,
		Summary:    req.Job.Summary,
		CreatedAt:  time.Now().UTC(),
	}

	if err := a.saveLead(ctx, l); err != nil {
		return provider.CreateLeadResponse{}, err
	}
	if err := a.store.Set(ctx, idemKey, []byte(externalID)); err != nil {
		return provider.CreateLeadResponse{}, provider.WrapError(provider.KindUnavailable, Name, err, "lead store set")
	}

	return provider.CreateLeadResponse{Success: true, ExternalID: externalID}, nil
}

func (a *Adapter) GetJobStatus(ctx context.Context, externalID string) (provider.JobStatusResponse, error) {
	l, ok, err := a.loadLead(ctx, externalID)
	if err != nil {
		return provider.JobStatusResponse{}, err
	}
	if !ok {
		return provider.JobStatusResponse{
			ExternalID:   externalID,
			ErrorMessage: "lead not found",
		}, nil
	}

	// Pending leads complete at random, like real homeowners do.
	if l.Status == statusPending && a.roll() {
		now := time.Now().UTC()
		revenue := a.randomRevenue()

		l.Status = statusCompleted
		l.Revenue = &revenue
		l.CompletedAt = &now

		if err := a.saveLead(ctx, l); err != nil {
			return provider.JobStatusResponse{}, err
		}
	}

	return provider.JobStatusResponse{
		ExternalID:  l.ExternalID,
		Status:      l.Status,
		IsCompleted: l.Status == statusCompleted,
		Revenue:     l.Revenue,
		CompletedAt: l.CompletedAt,
	}, nil
}

// BatchGetJobStatus walks ids in order with a small pause between
// calls, mirroring how the real adapters pace platforms without bulk
// endpoints.
func (a *Adapter) BatchGetJobStatus(ctx context.Context, externalIDs []string) ([]provider.JobStatusResponse, error) {
	out := make([]provider.JobStatusResponse, 0, len(externalIDs))

	for i, id := range externalIDs {
		if i > 0 && a.batchPause > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(a.batchPause):
			}
		}

		resp, err := a.GetJobStatus(ctx, id)
		if err != nil {
			resp = provider.JobStatusResponse{ExternalID: id, ErrorMessage: err.Error()}
		}
		out = append(out, resp)
	}

	return out, nil
}

func (a *Adapter) loadLead(ctx context.Context, externalID string) (lead, bool, error) {
	b, ok, err := a.store.Get(ctx, "lead:"+externalID)
	if err != nil {
		return lead{}, false, provider.WrapError(provider.KindUnavailable, Name, err, "lead store get")
	}
	if !ok {
		return lead{}, false, nil
	}

	var l lead
	if err := json.Unmarshal(b, &l); err != nil {
		return lead{}, false, provider.WrapError(provider.KindUnavailable, Name, err, "corrupt lead record")
	}
	return l, true, nil
}

func (a *Adapter) saveLead(ctx context.Context, l lead) error {
	b, err := json.Marshal(l)
	if err != nil {
		return provider.WrapError(provider.KindUnavailable, Name, err, "encode lead")
	}
	if err := a.store.Set(ctx, "lead:"+l.ExternalID, b); err != nil {
		return provider.WrapError(provider.KindUnavailable, Name, err, "lead store set")
	}
	return nil
}

func (a *Adapter) roll() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < a.completionProbability
}

func (a *Adapter) randomRevenue() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return minRevenue + a.rng.Float64()*(maxRevenue-minRevenue)
}

func newExternalID() string {
	return "mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
