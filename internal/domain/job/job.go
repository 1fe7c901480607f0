package job

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/dispatch/internal/domain/skill"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

var ErrJobNotFound = errors.New("job not found")

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted:
		return true
	}
	return false
}

// Address is the service location. State is the two-letter USPS code.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
}

// Homeowner is the end customer the receiving company will contact.
type Homeowner struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Job is a unit of work raised by one company's technician and routed
// to another company for execution. Skill requirements drive matching;
// the job itself stays pending until a receiving provider reports the
// work complete with revenue.
type Job struct {
	ID                    string                 `json:"id"`
	Summary               string                 `json:"summary"`
	Address               Address                `json:"address"`
	Homeowner             Homeowner              `json:"homeowner"`
	CreatedByCompanyID    string                 `json:"createdByCompanyId"`
	CreatedByTechnicianID string                 `json:"createdByTechnicianId"`
	RequiredSkills        []string               `json:"requiredSkills"`
	SkillLevels           map[string]skill.Level `json:"skillLevels"`
	Category              *string                `json:"category,omitempty"`
	Status                Status                 `json:"status"`
	CompletedAt           *time.Time             `json:"completedAt,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

type CreateRequest struct {
	Summary               string
	Address               Address
	Homeowner             Homeowner
	CreatedByCompanyID    string
	CreatedByTechnicianID string
	RequiredSkills        []string
	SkillLevels           map[string]skill.Level
	Category              *string
}

func New(req CreateRequest) Job {
	now := time.Now().UTC()

	skills := make([]string, 0, len(req.RequiredSkills))
	for _, s := range req.RequiredSkills {
		skills = append(skills, skill.Normalize(s))
	}

	levels := make(map[string]skill.Level, len(req.SkillLevels))
	for name, lvl := range req.SkillLevels {
		levels[skill.Normalize(name)] = lvl
	}

	return Job{
		ID:                    uuid.NewString(),
		Summary:               req.Summary,
		Address:               req.Address,
		Homeowner:             req.Homeowner,
		CreatedByCompanyID:    req.CreatedByCompanyID,
		CreatedByTechnicianID: req.CreatedByTechnicianID,
		RequiredSkills:        skills,
		SkillLevels:           levels,
		Category:              req.Category,
		Status:                StatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}
