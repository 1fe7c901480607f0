// Package memory holds in-process repository implementations with the
// same semantics as their postgres counterparts, including claim
// atomicity. They back tests and single-node experiments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/fieldsync/dispatch/internal/domain/company"
)

type CompaniesRepo struct {
	mu     sync.RWMutex
	items  map[string]company.Company
	skills map[string][]company.Skill
	order  []string
}

func NewCompaniesRepo() *CompaniesRepo {
	return &CompaniesRepo{
		items:  make(map[string]company.Company),
		skills: make(map[string][]company.Skill),
	}
}

func (r *CompaniesRepo) Create(_ context.Context, req company.CreateRequest) (company.Company, error) {
	c := company.New(req)

	r.mu.Lock()
	r.items[c.ID] = c
	r.order = append(r.order, c.ID)
	r.mu.Unlock()

	return c, nil
}

// Put stores a pre-built company, letting tests pin ids and flags.
func (r *CompaniesRepo) Put(c company.Company) {
	r.mu.Lock()
	if _, ok := r.items[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.items[c.ID] = c
	r.mu.Unlock()
}

func (r *CompaniesRepo) GetByID(_ context.Context, id string) (company.Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.items[id]
	if !ok {
		return company.Company{}, company.ErrCompanyNotFound
	}
	return c, nil
}

func (r *CompaniesRepo) AddSkill(_ context.Context, s company.Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.skills[s.CompanyID]
	for i, have := range existing {
		if have.Name == s.Name {
			existing[i] = s
			return nil
		}
	}
	r.skills[s.CompanyID] = append(existing, s)
	return nil
}

// ListActiveWithSkills returns active companies in insertion order, the
// stable ordering the matching engine's tie-break relies on.
func (r *CompaniesRepo) ListActiveWithSkills(_ context.Context) ([]company.WithSkills, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]company.WithSkills, 0, len(r.items))
	for _, id := range r.order {
		c, ok := r.items[id]
		if !ok || !c.IsActive {
			continue
		}

		skills := make([]company.Skill, len(r.skills[id]))
		copy(skills, r.skills[id])
		sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

		out = append(out, company.WithSkills{Company: c, Skills: skills})
	}
	return out, nil
}
