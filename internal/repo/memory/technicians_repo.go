package memory

import (
	"context"
	"sync"

	"github.com/fieldsync/dispatch/internal/domain/technician"
)

type TechniciansRepo struct {
	mu    sync.RWMutex
	items map[string]technician.Technician
}

func NewTechniciansRepo() *TechniciansRepo {
	return &TechniciansRepo{items: make(map[string]technician.Technician)}
}

func (r *TechniciansRepo) Create(_ context.Context, req technician.CreateRequest) (technician.Technician, error) {
	t := technician.New(req)

	r.mu.Lock()
	r.items[t.ID] = t
	r.mu.Unlock()

	return t, nil
}

func (r *TechniciansRepo) Put(t technician.Technician) {
	r.mu.Lock()
	r.items[t.ID] = t
	r.mu.Unlock()
}

func (r *TechniciansRepo) GetByID(_ context.Context, id string) (technician.Technician, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.items[id]
	if !ok {
		return technician.Technician{}, technician.ErrTechnicianNotFound
	}
	return t, nil
}
