package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Registry owns driver profiles, their geo entries and the active-ride bindings.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]*models.Driver
	// statusMu pairs every status write with the binding state it was
	// derived from, so busy always matches bound.
	statusMu sync.Mutex
	geo      geo.GeoIndex
	bindings Bindings
	now      func() time.Time
}

func New(g geo.GeoIndex, b Bindings) *Registry {
	if g == nil {
		g = geo.NewIndex()
	}
	if b == nil {
		b = NewMemoryBindings()
	}
	return &Registry{drivers: make(map[string]*models.Driver), geo: g, bindings: b, now: time.Now}
}

// Register creates or overwrites a profile. A driver that still holds an
// active ride keeps status busy.
func (r *Registry) Register(ctx context.Context, driverID string, loc models.Coord, attrs models.DriverAttributes) (models.Driver, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.Driver{}, models.Invalid("driver id is required")
	}
	if !loc.Valid() {
		return models.Driver{}, models.InvalidLocation(loc)
	}
	if err := r.geo.Upsert(ctx, driverID, loc); err != nil {
		return models.Driver{}, err
	}
	vt := strings.ToLower(strings.TrimSpace(attrs.VehicleType))
	if vt == "" {
		vt = models.VehicleAny
	}
	d := &models.Driver{
		ID:                 driverID,
		Loc:                loc,
		Status:             models.DriverAvailable,
		VehicleType:        vt,
		Rating:             attrs.Rating,
		ConnectionRef:      attrs.ConnectionRef,
		LastLocationUpdate: r.now(),
	}

	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	_, bound, err := r.bindings.Get(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	if bound {
		d.Status = models.DriverBusy
	}
	r.mu.Lock()
	r.drivers[driverID] = d
	r.mu.Unlock()
	return *d, nil
}

// UpdateLocation unconditionally accepts the new position.
func (r *Registry) UpdateLocation(ctx context.Context, driverID string, loc models.Coord, speedMps float64) error {
	if !loc.Valid() {
		return models.InvalidLocation(loc)
	}
	if _, ok := r.Get(driverID); !ok {
		return models.NotRegistered(driverID)
	}
	if err := r.geo.Upsert(ctx, driverID, loc); err != nil {
		return err
	}
	r.mu.Lock()
	d, ok := r.drivers[driverID]
	if ok {
		d.Loc = loc
		d.SpeedMps = speedMps
		d.LastLocationUpdate = r.now()
	}
	r.mu.Unlock()
	if !ok {
		// removed while we were writing the geo entry
		_ = r.geo.Remove(ctx, driverID)
		return models.NotRegistered(driverID)
	}
	return nil
}

// Touch refreshes the liveness timestamp without moving the driver.
func (r *Registry) Touch(driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.NotRegistered(driverID)
	}
	d.LastLocationUpdate = r.now()
	return nil
}

func (r *Registry) Get(driverID string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.Driver{}, false
	}
	return *d, true
}

// SetStatus switches a driver between available and offline. Busy is only
// reachable through BindActiveRide.
func (r *Registry) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	switch status {
	case models.DriverAvailable, models.DriverOffline:
	default:
		return models.Invalid("status %q cannot be set directly", status)
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if status == models.DriverAvailable {
		if cur, bound, err := r.bindings.Get(ctx, driverID); err != nil {
			return err
		} else if bound {
			return models.DriverBusyError(driverID, cur)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.NotRegistered(driverID)
	}
	d.Status = status
	return nil
}

// BindActiveRide atomically binds requestID to the driver and marks it busy.
func (r *Registry) BindActiveRide(ctx context.Context, driverID, requestID string) error {
	if _, ok := r.Get(driverID); !ok {
		return models.NotRegistered(driverID)
	}
	if err := r.bindings.Bind(ctx, driverID, requestID); err != nil {
		return err
	}
	r.statusMu.Lock()
	r.mu.Lock()
	d, ok := r.drivers[driverID]
	if ok {
		d.Status = models.DriverBusy
	}
	r.mu.Unlock()
	r.statusMu.Unlock()
	if !ok {
		// swept between the check and the bind
		_, _ = r.bindings.Unbind(ctx, driverID, requestID)
		return models.NotRegistered(driverID)
	}
	return nil
}

// UnbindActiveRide clears the driver's binding to requestID (any ride when
// empty) and makes a busy driver available again.
func (r *Registry) UnbindActiveRide(ctx context.Context, driverID, requestID string) error {
	removed, err := r.bindings.Unbind(ctx, driverID, requestID)
	if err != nil || !removed {
		return err
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[driverID]; ok && d.Status == models.DriverBusy {
		d.Status = models.DriverAvailable
	}
	return nil
}

func (r *Registry) ActiveRide(ctx context.Context, driverID string) (string, bool, error) {
	return r.bindings.Get(ctx, driverID)
}

// Remove clears profile, geo entry and any binding. It returns the ride the
// driver was bound to, if any.
func (r *Registry) Remove(ctx context.Context, driverID string) (string, error) {
	if err := r.geo.Remove(ctx, driverID); err != nil {
		return "", err
	}
	r.mu.Lock()
	_, known := r.drivers[driverID]
	delete(r.drivers, driverID)
	r.mu.Unlock()

	active, bound, err := r.bindings.Get(ctx, driverID)
	if err != nil {
		return "", err
	}
	if bound {
		if _, err := r.bindings.Unbind(ctx, driverID, active); err != nil {
			return active, err
		}
	}
	if !known && !bound {
		return "", models.NotRegistered(driverID)
	}
	return active, nil
}

// FindEligible queries the geo index and keeps available drivers whose
// vehicle type matches, ordered by distance.
func (r *Registry) FindEligible(ctx context.Context, center models.Coord, radiusKm float64, vehicleType string, limit int) ([]models.Candidate, error) {
	hits, err := r.geo.Query(ctx, center, radiusKm, 0)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(vehicleType))
	anyType := want == "" || want == models.VehicleAny

	r.mu.RLock()
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		d, ok := r.drivers[h.DriverID]
		if !ok || d.Status != models.DriverAvailable {
			continue
		}
		if !anyType && d.VehicleType != want {
			continue
		}
		out = append(out, models.Candidate{Driver: *d, DistanceKm: h.DistanceKm})
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StaleDrivers lists drivers with no location update since cutoff.
func (r *Registry) StaleDrivers(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, d := range r.drivers {
		if d.LastLocationUpdate.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CountByStatus is used for the drivers gauge.
func (r *Registry) CountByStatus() map[models.DriverStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.DriverStatus]int, 3)
	for _, d := range r.drivers {
		out[d.Status]++
	}
	return out
}
