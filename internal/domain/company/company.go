package company

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/dispatch/internal/domain/skill"
)

// ProviderType names the field-service platform a company runs on.
type ProviderType string

const (
	ProviderServiceTitan ProviderType = "servicetitan"
	ProviderHousecallPro ProviderType = "housecallpro"
	ProviderMock         ProviderType = "mock"
)

var ErrCompanyNotFound = errors.New("company not found")

func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderServiceTitan, ProviderHousecallPro, ProviderMock:
		return true
	}
	return false
}

// RequiredConfigKeys lists the credential keys that must be present in
// provider_config before a company of this type may receive jobs. The
// mock provider needs none.
func (t ProviderType) RequiredConfigKeys() []string {
	switch t {
	case ProviderServiceTitan:
		return []string{"client_id", "client_secret", "tenant_id"}
	case ProviderHousecallPro:
		return []string{"api_key", "company_id"}
	}
	return nil
}

type Company struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	ProviderType   ProviderType      `json:"providerType"`
	ProviderConfig map[string]string `json:"providerConfig,omitempty"`
	IsActive       bool              `json:"isActive"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// HasRequiredConfig reports whether every credential key the provider
// type demands is present and non-empty.
func (c Company) HasRequiredConfig() bool {
	for _, key := range c.ProviderType.RequiredConfigKeys() {
		if c.ProviderConfig[key] == "" {
			return false
		}
	}
	return true
}

// CanReceiveJobs is the routability gate: the company must be active,
// carry complete provider credentials, and (unless mock providers are
// explicitly allowed) run on a real platform.
func (c Company) CanReceiveJobs(allowMock bool) bool {
	if !c.IsActive || !c.ProviderType.IsValid() || !c.HasRequiredConfig() {
		return false
	}
	if c.ProviderType == ProviderMock && !allowMock {
		return false
	}
	return true
}

// Skill is one capability row owned by a company. Primary skills mark
// the company's core trade and earn a matching bonus.
type Skill struct {
	ID        string      `json:"id"`
	CompanyID string      `json:"companyId"`
	Name      string      `json:"name"`
	Level     skill.Level `json:"level"`
	IsPrimary bool        `json:"isPrimary"`
	CreatedAt time.Time   `json:"createdAt"`
}

// WithSkills is a company joined with its skill rows, the shape the
// matching engine consumes.
type WithSkills struct {
	Company
	Skills []Skill `json:"skills"`
}

type CreateRequest struct {
	Name           string
	ProviderType   ProviderType
	ProviderConfig map[string]string
	IsActive       bool
}

func New(req CreateRequest) Company {
	now := time.Now().UTC()

	cfg := req.ProviderConfig
	if cfg == nil {
		cfg = map[string]string{}
	}

	return Company{
		ID:             uuid.NewString(),
		Name:           req.Name,
		ProviderType:   req.ProviderType,
		ProviderConfig: cfg,
		IsActive:       req.IsActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewSkill builds a skill row for a company, normalizing the name so
// lookups stay case-insensitive.
func NewSkill(companyID, name string, level skill.Level, primary bool) Skill {
	return Skill{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Name:      skill.Normalize(name),
		Level:     level,
		IsPrimary: primary,
		CreatedAt: time.Now().UTC(),
	}
}
