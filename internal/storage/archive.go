package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RideArchive keeps finished ride requests after they leave the live store.
type RideArchive interface {
	SaveRide(ctx context.Context, r *models.RideRequest) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}
