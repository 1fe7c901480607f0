package technician

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrTechnicianNotFound = errors.New("technician not found")

// Technician is a field worker employed by exactly one company. Jobs
// record which technician raised them so the receiving side has a
// callback contact.
type Technician struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	Name      string    `json:"name"`
	Phone     *string   `json:"phone,omitempty"`
	Email     *string   `json:"email,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorksFor reports whether the technician belongs to the given
// company. Job creation rejects technicians submitting on behalf of a
// company that does not employ them.
func (t Technician) WorksFor(companyID string) bool {
	return t.CompanyID == companyID
}

type CreateRequest struct {
	CompanyID string
	Name      string
	Phone     *string
	Email     *string
}

func New(req CreateRequest) Technician {
	now := time.Now().UTC()

	return Technician{
		ID:        uuid.NewString(),
		CompanyID: req.CompanyID,
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
