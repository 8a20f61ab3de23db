package storage

import (
	"context"
	"sync"

	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/incident"
)

// MemoryRepository is an in-memory incident store. Reads hand out deep
// copies, so the deadline monitor always sees consistent snapshots even
// while the manager mutates the originals.
type MemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents: make(map[string]*incident.Incident),
	}
}

// SaveIncident stores a snapshot of the incident
func (r *MemoryRepository) SaveIncident(_ context.Context, inc *incident.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.incidents[inc.ID] = inc.Clone()
	return nil
}

// GetIncident returns a snapshot of one incident
func (r *MemoryRepository) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.incidents[id]
	if !ok {
		return nil, apperrors.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// LoadOpenIncidents returns snapshots of all unresolved incidents
func (r *MemoryRepository) LoadOpenIncidents(_ context.Context) ([]*incident.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := make([]*incident.Incident, 0)
	for _, inc := range r.incidents {
		if inc.Status != incident.StatusResolved {
			open = append(open, inc.Clone())
		}
	}
	return open, nil
}
