// Package housecallpro adapts the dispatch provider contract onto the
// Housecall Pro REST API (static API-key auth). The platform has no
// idempotency header, so lead creation searches by reference first.
package housecallpro

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldsync/dispatch/internal/provider"
)

const Name = "housecallpro"

const (
	defaultBaseURL    = "https://api.housecallpro.com"
	defaultBatchPause = 100 * time.Millisecond
)

type Adapter struct {
	apiKey     string
	companyID  string
	baseURL    string
	httpClient *http.Client
	batchPause time.Duration
}

var _ provider.Provider = (*Adapter)(nil)

// New builds an adapter from a company's provider_config. Required
// keys: api_key, company_id. Optional: base_url override for tests.
func New(cfg map[string]string, httpClient *http.Client) (*Adapter, error) {
	for _, key := range []string{"api_key", "company_id"} {
		if cfg[key] == "" {
			return nil, provider.NewError(provider.KindNotConfigured, Name, "missing config key %q", key)
		}
	}

	baseURL := cfg["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Adapter{
		apiKey:     cfg["api_key"],
		companyID:  cfg["company_id"],
		baseURL:    baseURL,
		httpClient: httpClient,
		batchPause: defaultBatchPause,
	}, nil
}

func (a *Adapter) ValidateConfig() bool {
	return a.apiKey != "" && a.companyID != ""
}

type hcpLead struct {
	ID          string     `json:"id"`
	Reference   string     `json:"reference"`
	WorkStatus  string     `json:"work_status"`
	Completed   bool       `json:"completed"`
	Amount      *float64   `json:"amount"`
	CompletedAt *time.Time `json:"completed_at"`
}

type hcpLeadList struct {
	Leads []hcpLead `json:"leads"`
}

type hcpCreateLead struct {
	CompanyID   string            `json:"company_id"`
	Description string            `json:"description"`
	Reference   string            `json:"reference"`
	Customer    hcpCustomer       `json:"customer"`
	Address     hcpAddress        `json:"address"`
	Tags        []string          `json:"tags,omitempty"`
}

type hcpCustomer struct {
	Name   string  `json:"name"`
	Mobile *string `json:"mobile_number,omitempty"`
	Email  *string `json:"email,omitempty"`
}

type hcpAddress struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// CreateLead searches for an existing lead carrying the idempotency
// reference before creating one, making replays converge on a single
// platform lead.
func (a *Adapter) CreateLead(ctx context.Context, req provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
	if existing, err := a.findByReference(ctx, req.IdempotencyKey); err != nil {
		return provider.CreateLeadResponse{}, err
	} else if existing != nil {
		return provider.CreateLeadResponse{Success: true, ExternalID: existing.ID}, nil
	}

	j := req.Job
	body := hcpCreateLead{
		CompanyID:   a.companyID,
		Description: j.Summary,
		Reference:   req.IdempotencyKey,
		Customer: hcpCustomer{
			Name:   j.Homeowner.Name,
			Mobile: j.Homeowner.Phone,
			Email:  j.Homeowner.Email,
		},
		Address: hcpAddress{
			Street: j.Address.Street,
			City:   j.Address.City,
			State:  j.Address.State,
			Zip:    j.Address.ZipCode,
		},
		Tags: j.RequiredSkills,
	}

	var out hcpLead
	if err := a.call(ctx, http.MethodPost, a.baseURL+"/leads", body, &out); err != nil {
		return provider.CreateLeadResponse{}, err
	}
	if out.ID == "" {
		return provider.CreateLeadResponse{
			Success:      false,
			ErrorMessage: "housecallpro returned no lead id",
		}, nil
	}

	return provider.CreateLeadResponse{Success: true, ExternalID: out.ID}, nil
}

func (a *Adapter) GetJobStatus(ctx context.Context, externalID string) (provider.JobStatusResponse, error) {
	var out hcpLead
	if err := a.call(ctx, http.MethodGet, a.baseURL+"/leads/"+url.PathEscape(externalID), nil, &out); err != nil {
		return provider.JobStatusResponse{}, err
	}

	return provider.JobStatusResponse{
		ExternalID:  externalID,
		Status:      out.WorkStatus,
		IsCompleted: out.Completed,
		Revenue:     out.Amount,
		CompletedAt: out.CompletedAt,
	}, nil
}

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
			if provider.IsRateLimited(err) {
				return out, err
			}
			resp = provider.JobStatusResponse{ExternalID: id, ErrorMessage: err.Error()}
		}
		out = append(out, resp)
	}

	return out, nil
}

func (a *Adapter) findByReference(ctx context.Context, ref string) (*hcpLead, error) {
	u := a.baseURL + "/leads?reference=" + url.QueryEscape(ref)

	var out hcpLeadList
	if err := a.call(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}

	for i := range out.Leads {
		if out.Leads[i].Reference == ref {
			return &out.Leads[i], nil
		}
	}
	return nil, nil
}

func (a *Adapter) call(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return provider.WrapError(provider.KindAPIError, Name, err, "encode request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return provider.WrapError(provider.KindAPIError, Name, err, "build request")
	}

	req.Header.Set("Authorization", "Token "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.WrapError(provider.KindUnavailable, Name, err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return provider.WrapError(provider.KindUnavailable, Name, err, "decode response")
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return statusError(resp.StatusCode, string(snippet))
}

func statusError(code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.NewError(provider.KindNotConfigured, Name, "credentials rejected (%d): %s", code, body)
	case code == http.StatusTooManyRequests:
		return provider.NewError(provider.KindRateLimited, Name, "rate limited (%d)", code)
	case code >= 400 && code < 500:
		return provider.NewError(provider.KindAPIError, Name, "request rejected (%d): %s", code, body)
	default:
		return provider.NewError(provider.KindUnavailable, Name, "server error (%d)", code)
	}
}
