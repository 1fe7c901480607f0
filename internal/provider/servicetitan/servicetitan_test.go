package servicetitan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/provider"
)

func testConfig(srv *httptest.Server) map[string]string {
	return map[string]string{
		"client_id":     "cid",
		"client_secret": "secret",
		"tenant_id":     "t1",
		"base_url":      srv.URL,
		"auth_url":      srv.URL + "/token",
	}
}

func tokenHandler(calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "wrong grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}
}

func TestNew_MissingConfig(t *testing.T) {
	_, err := New(map[string]string{"client_id": "x"}, nil)
	if !provider.IsNotConfigured(err) {
		t.Fatalf("expected not_configured error, got %v", err)
	}
}

func TestCreateLead_Success(t *testing.T) {
	var tokenCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/crm/v2/tenant/t1/leads", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("bad auth header: %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "routing-1" {
			t.Errorf("bad idempotency key: %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["summary"] != "leaky faucet" {
			t.Errorf("bad summary: %v", body["summary"])
		}
		if body["externalReference"] != "routing-1" {
			t.Errorf("bad externalReference: %v", body["externalReference"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 9001}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := New(testConfig(srv), srv.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	resp, err := a.CreateLead(context.Background(), provider.CreateLeadRequest{
		Job:            job.Job{Summary: "leaky faucet"},
		IdempotencyKey: "routing-1",
	})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}
	if !resp.Success || resp.ExternalID != "9001" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Token is cached across calls.
	if _, err := a.CreateLead(context.Background(), provider.CreateLeadRequest{
		Job:            job.Job{Summary: "leaky faucet"},
		IdempotencyKey: "routing-1",
	}); err != nil {
		t.Fatalf("second CreateLead error: %v", err)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Fatalf("expected 1 token exchange, got %d", got)
	}
}

func TestGetJobStatus_MapsFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(nil))
	mux.HandleFunc("/crm/v2/tenant/t1/leads/9001", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":9001,"status":"Converted","jobComplete":true,"totalRevenue":321.5,"completedOn":"2025-06-01T12:00:00Z"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := New(testConfig(srv), srv.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	st, err := a.GetJobStatus(context.Background(), "9001")
	if err != nil {
		t.Fatalf("GetJobStatus error: %v", err)
	}
	if !st.IsCompleted || st.Status != "Converted" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Revenue == nil || *st.Revenue != 321.5 {
		t.Fatalf("unexpected revenue: %v", st.Revenue)
	}
	if st.CompletedAt == nil {
		t.Fatalf("expected completedAt")
	}
}

func TestCall_ErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, provider.IsNotConfigured},
		{"rate limited", http.StatusTooManyRequests, provider.IsRateLimited},
		{"bad request", http.StatusBadRequest, func(err error) bool { return !provider.IsRetryable(err) }},
		{"server error", http.StatusInternalServerError, provider.IsRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/token", tokenHandler(nil))
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			a, err := New(testConfig(srv), srv.Client())
			if err != nil {
				t.Fatalf("New error: %v", err)
			}

			_, err = a.GetJobStatus(context.Background(), "1")
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if !tc.check(err) {
				t.Fatalf("error kind check failed for %d: %v", tc.status, err)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a, err := New(testConfig(srv), srv.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if !a.ValidateConfig() {
		t.Fatalf("expected valid config")
	}
}
