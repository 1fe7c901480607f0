// Package servicetitan adapts the dispatch provider contract onto the
// ServiceTitan CRM API. Auth is OAuth2 client-credentials with the
// token cached and refreshed five minutes before expiry.
package servicetitan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fieldsync/dispatch/internal/provider"
)

const Name = "servicetitan"

const (
	defaultBaseURL = "https://api.servicetitan.io"
	defaultAuthURL = "https://auth.servicetitan.io/connect/token"

	// tokenRefreshWindow refreshes ahead of expiry so a token never
	// dies mid-request.
	tokenRefreshWindow = 5 * time.Minute

	defaultBatchPause = 100 * time.Millisecond
)

type Adapter struct {
	tenantID   string
	appKey     string
	baseURL    string
	httpClient *http.Client
	batchPause time.Duration

	cc *clientcredentials.Config

	mu  sync.Mutex
	tok *oauth2.Token
}

var _ provider.Provider = (*Adapter)(nil)

// New builds an adapter from a company's provider_config. Required
// keys: client_id, client_secret, tenant_id. Optional: app_key, plus
// base_url/auth_url overrides for tests and sandboxes.
func New(cfg map[string]string, httpClient *http.Client) (*Adapter, error) {
	for _, key := range []string{"client_id", "client_secret", "tenant_id"} {
		if cfg[key] == "" {
			return nil, provider.NewError(provider.KindNotConfigured, Name, "missing config key %q", key)
		}
	}

	baseURL := cfg["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	authURL := cfg["auth_url"]
	if authURL == "" {
		authURL = defaultAuthURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Adapter{
		tenantID:   cfg["tenant_id"],
		appKey:     cfg["app_key"],
		baseURL:    baseURL,
		httpClient: httpClient,
		batchPause: defaultBatchPause,
		cc: &clientcredentials.Config{
			ClientID:     cfg["client_id"],
			ClientSecret: cfg["client_secret"],
			TokenURL:     authURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

func (a *Adapter) ValidateConfig() bool {
	return a.cc.ClientID != "" && a.cc.ClientSecret != "" && a.tenantID != ""
}

// token returns the cached access token, exchanging client credentials
// when none is held or expiry is inside the refresh window.
func (a *Adapter) token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tok != nil && a.tok.Expiry.After(time.Now().Add(tokenRefreshWindow)) {
		return a.tok, nil
	}

	// Route the exchange through our HTTP client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	tok, err := a.cc.Token(ctx)
	if err != nil {
		return nil, provider.WrapError(provider.KindNotConfigured, Name, err, "token exchange failed")
	}

	a.tok = tok
	return tok, nil
}

type createLeadBody struct {
	Summary           string       `json:"summary"`
	Customer          leadCustomer `json:"customer"`
	Address           leadAddress  `json:"address"`
	ExternalReference string       `json:"externalReference"`
}

type leadCustomer struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

type leadAddress struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

type createLeadResult struct {
	ID json.Number `json:"id"`
}

type leadStatusResult struct {
	ID           json.Number `json:"id"`
	Status       string      `json:"status"`
	JobComplete  bool        `json:"jobComplete"`
	TotalRevenue *float64    `json:"totalRevenue"`
	CompletedOn  *time.Time  `json:"completedOn"`
}

func (a *Adapter) CreateLead(ctx context.Context, req provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
	j := req.Job
	body := createLeadBody{
		Summary: j.Summary,
		Customer: leadCustomer{
			Name:  j.Homeowner.Name,
			Phone: j.Homeowner.Phone,
			Email: j.Homeowner.Email,
		},
		Address: leadAddress{
			Street: j.Address.Street,
			City:   j.Address.City,
			State:  j.Address.State,
			Zip:    j.Address.ZipCode,
		},
		ExternalReference: req.IdempotencyKey,
	}

	url := fmt.Sprintf("%s/crm/v2/tenant/%s/leads", a.baseURL, a.tenantID)

	var out createLeadResult
	err := a.call(ctx, http.MethodPost, url, map[string]string{"Idempotency-Key": req.IdempotencyKey}, body, &out)
	if err != nil {
		return provider.CreateLeadResponse{}, err
	}
	if out.ID.String() == "" {
		return provider.CreateLeadResponse{
			Success:      false,
			ErrorMessage: "servicetitan returned no lead id",
		}, nil
	}

	return provider.CreateLeadResponse{Success: true, ExternalID: out.ID.String()}, nil
}

func (a *Adapter) GetJobStatus(ctx context.Context, externalID string) (provider.JobStatusResponse, error) {
	url := fmt.Sprintf("%s/crm/v2/tenant/%s/leads/%s", a.baseURL, a.tenantID, externalID)

	var out leadStatusResult
	if err := a.call(ctx, http.MethodGet, url, nil, nil, &out); err != nil {
		return provider.JobStatusResponse{}, err
	}

	return provider.JobStatusResponse{
		ExternalID:  externalID,
		Status:      out.Status,
		IsCompleted: out.JobComplete,
		Revenue:     out.TotalRevenue,
		CompletedAt: out.CompletedOn,
	}, nil
}

// BatchGetJobStatus loops sequentially with a pause: ServiceTitan has
// no bulk lead endpoint and burst traffic trips its limiter. Per-id
// failures land in the response so one bad lead doesn't sink the
// batch.
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
				// No point hammering on: surface and let the caller reschedule.
				return out, err
			}
			resp = provider.JobStatusResponse{ExternalID: id, ErrorMessage: err.Error()}
		}
		out = append(out, resp)
	}

	return out, nil
}

func (a *Adapter) call(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	tok, err := a.token(ctx)
	if err != nil {
		return err
	}

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

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.appKey != "" {
		req.Header.Set("ST-App-Key", a.appKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
