package registry

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Bindings holds the driver -> active ride table. Bind is the single
// serialization point per driver: it succeeds only when no ride is bound.
type Bindings interface {
	Bind(ctx context.Context, driverID, requestID string) error
	// Unbind clears the binding. A non-empty requestID only clears a binding
	// to that request. It reports whether a binding was removed.
	Unbind(ctx context.Context, driverID, requestID string) (bool, error)
	Get(ctx context.Context, driverID string) (string, bool, error)
}

type MemoryBindings struct {
	mu     sync.Mutex
	active map[string]string
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{active: make(map[string]string)}
}

func (m *MemoryBindings) Bind(_ context.Context, driverID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[driverID]; ok {
		if cur == requestID {
			return nil
		}
		return models.DriverBusyError(driverID, cur)
	}
	m.active[driverID] = requestID
	return nil
}

func (m *MemoryBindings) Unbind(_ context.Context, driverID, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.active[driverID]
	if !ok || (requestID != "" && cur != requestID) {
		return false, nil
	}
	delete(m.active, driverID)
	return true, nil
}

func (m *MemoryBindings) Get(_ context.Context, driverID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.active[driverID]
	return cur, ok, nil
}
