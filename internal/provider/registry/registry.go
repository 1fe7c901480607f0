// Package registry resolves companies to provider adapter instances.
// Adapters are cached per company and rebuilt when the stored
// provider_config changes, so credential rotations take effect without
// a restart.
package registry

import (
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/provider/housecallpro"
	"github.com/fieldsync/dispatch/internal/provider/mock"
	"github.com/fieldsync/dispatch/internal/provider/servicetitan"
)

type entry struct {
	provider     provider.Provider
	providerType company.ProviderType
	config       map[string]string
}

type Registry struct {
	httpClient *http.Client
	leadStore  mock.LeadStore
	mockOpts   []mock.Option

	mu      sync.Mutex
	entries map[string]entry
}

type Options struct {
	// HTTPClient is shared by the real-platform adapters. nil gets a
	// 30s-timeout default.
	HTTPClient *http.Client

	// LeadStore backs mock adapters. nil falls back to an in-process
	// store (fine for tests, wrong for multi-process deployments).
	LeadStore mock.LeadStore

	// MockOptions tune the simulation (completion probability, seed).
	MockOptions []mock.Option
}

func New(opts Options) *Registry {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	leadStore := opts.LeadStore
	if leadStore == nil {
		leadStore = mock.NewMemoryLeadStore()
	}

	return &Registry{
		httpClient: httpClient,
		leadStore:  leadStore,
		mockOpts:   opts.MockOptions,
		entries:    make(map[string]entry),
	}
}

// Resolve returns the adapter for a company, building and caching one
// on first use. A company whose provider type or config changed gets a
// fresh adapter.
func (r *Registry) Resolve(c company.Company) (provider.Provider, error) {
	if !c.ProviderType.IsValid() {
		return nil, provider.NewError(provider.KindNotConfigured, string(c.ProviderType),
			"company %s has unknown provider type %q", c.ID, c.ProviderType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[c.ID]; ok {
		if e.providerType == c.ProviderType && maps.Equal(e.config, c.ProviderConfig) {
			return e.provider, nil
		}
	}

	p, err := r.build(c)
	if err != nil {
		return nil, err
	}

	r.entries[c.ID] = entry{
		provider:     p,
		providerType: c.ProviderType,
		config:       maps.Clone(c.ProviderConfig),
	}
	return p, nil
}

func (r *Registry) build(c company.Company) (provider.Provider, error) {
	switch c.ProviderType {
	case company.ProviderServiceTitan:
		return servicetitan.New(c.ProviderConfig, r.httpClient)
	case company.ProviderHousecallPro:
		return housecallpro.New(c.ProviderConfig, r.httpClient)
	case company.ProviderMock:
		return mock.New(r.leadStore, r.mockOpts...), nil
	}
	return nil, provider.NewError(provider.KindNotConfigured, string(c.ProviderType),
		"no adapter for provider type")
}

// Evict drops a company's cached adapter.
func (r *Registry) Evict(companyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, companyID)
}
