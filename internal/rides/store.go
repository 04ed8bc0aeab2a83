// Package rides keeps ride requests and enforces the request state machine.
//
// Every mutation of one request runs under that request's own mutex and
// bumps its version, so operations on a request are linearizable while
// unrelated requests never contend. The rider -> request table is updated
// inside the same critical section as the status change it follows.
// Lock order is request mutex, then store mutex.
package rides

import (
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type entry struct {
	mu  sync.Mutex
	req *models.RideRequest
}

type Store struct {
	mu        sync.RWMutex
	requests  map[string]*entry
	riders    map[string]string
	oneActive bool
	now       func() time.Time
}

// NewStore builds an empty store. When oneActive is set a rider may hold
// only one unfinished request at a time.
func NewStore(oneActive bool) *Store {
	return &Store{
		requests:  make(map[string]*entry),
		riders:    make(map[string]string),
		oneActive: oneActive,
		now:       time.Now,
	}
}

type CreateParams struct {
	RequestID          string
	RiderID            string
	RiderConnectionRef string
	Pickup             models.Coord
	Drop               *models.Coord
	VehicleType        string
	FareEstimate       float64
	Radius             float64
	TTL                time.Duration
}

func (s *Store) Create(p CreateParams) (*models.RideRequest, error) {
	if strings.TrimSpace(p.RequestID) == "" || strings.TrimSpace(p.RiderID) == "" {
		return nil, models.Invalid("request id and rider id are required")
	}
	if !p.Pickup.Valid() {
		return nil, models.InvalidLocation(p.Pickup)
	}
	if p.Drop != nil && !p.Drop.Valid() {
		return nil, models.InvalidLocation(*p.Drop)
	}
	if p.Radius <= 0 {
		return nil, models.Invalid("radius must be positive")
	}
	vt := strings.ToLower(strings.TrimSpace(p.VehicleType))
	if vt == "" {
		vt = models.VehicleAny
	}
	now := s.now()
	req := &models.RideRequest{
		ID:                 p.RequestID,
		RiderID:            p.RiderID,
		RiderConnectionRef: p.RiderConnectionRef,
		Pickup:             p.Pickup,
		Drop:               p.Drop,
		VehicleType:        vt,
		FareEstimate:       p.FareEstimate,
		Status:             models.RideSearching,
		Radius:             p.Radius,
		Attempt:            1,
		Responses:          make(map[string]models.DriverResponse),
		Version:            1,
		CreatedAt:          now,
		ExpiresAt:          now.Add(p.TTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.requests[p.RequestID]; dup {
		return nil, models.Invalid("request %s already exists", p.RequestID)
	}
	if cur, ok := s.riders[p.RiderID]; ok && s.oneActive {
		return nil, models.ActiveRequestExists(p.RiderID, cur)
	}
	s.requests[p.RequestID] = &entry{req: req}
	s.riders[p.RiderID] = p.RequestID
	return req.Clone(), nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.RequestNotFound(id)
	}
	return e, nil
}

// mutate runs fn under the request's mutex.
func (s *Store) mutate(id string, fn func(r *models.RideRequest) error) (*models.RideRequest, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.req); err != nil {
		return e.req.Clone(), err
	}
	return e.req.Clone(), nil
}

func (s *Store) Get(id string) (*models.RideRequest, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.Clone(), nil
}

// ActiveForRider returns the rider's unfinished request, if any.
func (s *Store) ActiveForRider(riderID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.riders[riderID]
	return id, ok
}

// releaseRider must be called with the request mutex held.
func (s *Store) releaseRider(r *models.RideRequest) {
	s.mu.Lock()
	if s.riders[r.RiderID] == r.ID {
		delete(s.riders, r.RiderID)
	}
	s.mu.Unlock()
}

func (s *Store) close(r *models.RideRequest, status models.RideStatus) {
	now := s.now()
	r.Status = status
	r.ClosedAt = &now
	r.Version++
	if status != models.RideAccepted {
		s.releaseRider(r)
	}
}

func addNew(r *models.RideRequest, driverIDs []string) []string {
	var added []string
	for _, id := range driverIDs {
		if id == "" || r.WasNotified(id) {
			continue
		}
		r.NotifiedDrivers = append(r.NotifiedDrivers, id)
		added = append(added, id)
	}
	return added
}

// RecordNotification merges driverIDs into the notified set and returns the
// ids that were not already present. A non-zero deadline becomes ExpiresAt.
func (s *Store) RecordNotification(id string, driverIDs []string, deadline time.Time) ([]string, *models.RideRequest, error) {
	var added []string
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if r.Status != models.RideSearching {
			return models.RequestClosed(r.ID, r.Status)
		}
		added = addNew(r, driverIDs)
		if !deadline.IsZero() {
			r.ExpiresAt = deadline
		}
		r.Version++
		return nil
	})
	return added, snap, err
}

// ExpandRadius widens the search. Radii never shrink.
func (s *Store) ExpandRadius(id string, newRadius float64, newlyNotified []string) ([]string, *models.RideRequest, error) {
	var added []string
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if r.Status != models.RideSearching {
			return models.RequestClosed(r.ID, r.Status)
		}
		if newRadius < r.Radius {
			return models.Invalid("radius %.2f below current %.2f", newRadius, r.Radius)
		}
		r.Radius = newRadius
		r.Attempt++
		added = addNew(r, newlyNotified)
		r.Version++
		return nil
	})
	return added, snap, err
}

// TryAccept is the single-winner compare-and-swap. expectedVersion <= 0
// skips the version check; a mismatch while still searching returns
// ErrStaleVersion so the caller can re-read and retry.
func (s *Store) TryAccept(id, driverID string, expectedVersion int64) (models.AcceptOutcome, *models.RideRequest, error) {
	var out models.AcceptOutcome
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		switch {
		case r.Status == models.RideAccepted && r.AcceptedBy == driverID:
			out = models.AcceptOutcome{Won: true, Duplicate: true}
			return nil
		case r.Status == models.RideAccepted:
			out = models.AcceptOutcome{Reason: models.LostAlreadyAccepted}
			return nil
		case r.Status.Terminal():
			out = models.AcceptOutcome{Reason: models.LostRequestClosed}
			return nil
		case !r.WasNotified(driverID):
			out = models.AcceptOutcome{Reason: models.LostNotOffered}
			return nil
		case expectedVersion > 0 && expectedVersion != r.Version:
			return models.ErrStaleVersion
		}
		r.AcceptedBy = driverID
		r.Responses[driverID] = models.DriverResponse{Response: models.ResponseAccept, At: s.now()}
		s.close(r, models.RideAccepted)
		out = models.AcceptOutcome{Won: true}
		return nil
	})
	return out, snap, err
}

type RollbackResult struct {
	Reverted    bool
	AllRejected bool
	Exhausted   bool
}

// RollbackAccept reverts an accept by driverID whose driver binding failed.
// The driver's response is downgraded to a rejection; if that leaves every
// notified driver rejected the request ends in all_rejected.
func (s *Store) RollbackAccept(id, driverID string, terminalOnExhaust bool) (RollbackResult, *models.RideRequest, error) {
	var res RollbackResult
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if r.Status != models.RideAccepted || r.CompletedAt != nil {
			return nil
		}
		if r.AcceptedBy != driverID {
			return models.Invariant("request %s accepted by %s, rollback requested by %s", r.ID, r.AcceptedBy, driverID)
		}
		r.Status = models.RideSearching
		r.AcceptedBy = ""
		r.ClosedAt = nil
		r.Responses[driverID] = models.DriverResponse{Response: models.ResponseReject, At: s.now()}
		r.Version++
		res.Reverted = true
		if allRejected(r) {
			if terminalOnExhaust {
				s.close(r, models.RideAllRejected)
				res.AllRejected = true
			} else {
				res.Exhausted = true
			}
		}
		return nil
	})
	return res, snap, err
}

type RejectResult struct {
	Changed     bool
	AllRejected bool
	// Exhausted is set instead of AllRejected when the caller asked not to
	// terminate on exhaustion.
	Exhausted bool
}

func allRejected(r *models.RideRequest) bool {
	if len(r.NotifiedDrivers) == 0 {
		return false
	}
	for _, id := range r.NotifiedDrivers {
		resp, ok := r.Responses[id]
		if !ok || resp.Response != models.ResponseReject {
			return false
		}
	}
	return true
}

// RecordRejection stores a reject from a notified driver. Repeats are no-ops.
func (s *Store) RecordRejection(id, driverID string, terminalOnExhaust bool) (RejectResult, *models.RideRequest, error) {
	var res RejectResult
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if !r.WasNotified(driverID) {
			return models.Invalid("driver %s was not offered request %s", driverID, r.ID)
		}
		if r.Status != models.RideSearching {
			return nil
		}
		if prev, ok := r.Responses[driverID]; ok && prev.Response == models.ResponseReject {
			return nil
		}
		r.Responses[driverID] = models.DriverResponse{Response: models.ResponseReject, At: s.now()}
		r.Version++
		res.Changed = true
		if allRejected(r) {
			if terminalOnExhaust {
				s.close(r, models.RideAllRejected)
				res.AllRejected = true
			} else {
				res.Exhausted = true
			}
		}
		return nil
	})
	return res, snap, err
}

// Cancel moves a searching request owned by riderID to cancelled. A repeat
// cancel reports changed=false; a request already accepted cannot be cancelled.
func (s *Store) Cancel(id, riderID string) (bool, *models.RideRequest, error) {
	changed := false
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if r.RiderID != riderID {
			return models.ErrNotOwner
		}
		switch r.Status {
		case models.RideSearching:
			s.close(r, models.RideCancelled)
			changed = true
			return nil
		case models.RideCancelled:
			return nil
		case models.RideAccepted:
			return models.AlreadyAccepted(r.ID, r.AcceptedBy)
		default:
			return models.RequestClosed(r.ID, r.Status)
		}
	})
	return changed, snap, err
}

// Finish moves a searching request to a terminal non-accepted status
// (timeout, no_drivers_found, all_rejected). It reports false when the
// request had already left searching.
func (s *Store) Finish(id string, status models.RideStatus) (bool, *models.RideRequest, error) {
	if status == models.RideSearching || status == models.RideAccepted || status == models.RideCancelled {
		return false, nil, models.Invalid("status %s is not a finish state", status)
	}
	changed := false
	snap, err := s.mutate(id, func(r *models.RideRequest) error {
		if r.Status != models.RideSearching {
			return nil
		}
		s.close(r, status)
		changed = true
		return nil
	})
	return changed, snap, err
}

func (s *Store) Timeout(id string) (bool, *models.RideRequest, error) {
	return s.Finish(id, models.RideTimeout)
}

// Complete finishes an accepted ride and frees the rider binding.
func (s *Store) Complete(id, driverID string) (*models.RideRequest, error) {
	return s.mutate(id, func(r *models.RideRequest) error {
		if r.Status != models.RideAccepted || r.CompletedAt != nil {
			return models.RequestClosed(r.ID, r.Status)
		}
		if driverID != "" && driverID != r.AcceptedBy {
			return models.ErrNotOwner
		}
		now := s.now()
		r.CompletedAt = &now
		r.Version++
		s.releaseRider(r)
		return nil
	})
}

// ReleaseRider frees the rider binding of an accepted ride whose driver left
// and starts its retention period.
func (s *Store) ReleaseRider(id string) (*models.RideRequest, error) {
	return s.mutate(id, func(r *models.RideRequest) error {
		if r.Status == models.RideAccepted && r.CompletedAt == nil && r.ReleasedAt == nil {
			now := s.now()
			r.ReleasedAt = &now
			r.Version++
		}
		s.releaseRider(r)
		return nil
	})
}

func (s *Store) SetPaymentRef(id, ref string) error {
	_, err := s.mutate(id, func(r *models.RideRequest) error {
		r.PaymentRef = ref
		r.Version++
		return nil
	})
	return err
}

// Discard drops a request whose first search step failed, undoing Create.
func (s *Store) Discard(id string) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.mu.Lock()
	delete(s.requests, id)
	if s.riders[e.req.RiderID] == id {
		delete(s.riders, e.req.RiderID)
	}
	s.mu.Unlock()
}

// finishedBefore reports whether r is done and has been since before cutoff.
func finishedBefore(r *models.RideRequest, cutoff time.Time) bool {
	switch {
	case r.CompletedAt != nil:
		return r.CompletedAt.Before(cutoff)
	case r.ReleasedAt != nil:
		return r.ReleasedAt.Before(cutoff)
	case r.Status == models.RideAccepted || r.Status == models.RideSearching:
		return false
	default:
		return r.ClosedAt != nil && r.ClosedAt.Before(cutoff)
	}
}

// Purge removes requests finished before cutoff and returns them.
func (s *Store) Purge(cutoff time.Time) []*models.RideRequest {
	s.mu.RLock()
	entries := make(map[string]*entry, len(s.requests))
	for id, e := range s.requests {
		entries[id] = e
	}
	s.mu.RUnlock()

	var purged []*models.RideRequest
	for id, e := range entries {
		e.mu.Lock()
		if finishedBefore(e.req, cutoff) {
			s.mu.Lock()
			delete(s.requests, id)
			if s.riders[e.req.RiderID] == id {
				delete(s.riders, e.req.RiderID)
			}
			s.mu.Unlock()
			purged = append(purged, e.req.Clone())
		}
		e.mu.Unlock()
	}
	return purged
}

// Expired lists searching requests whose deadline passed before now.
func (s *Store) Expired(now time.Time) []string {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.requests))
	for _, e := range s.requests {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.req.Status == models.RideSearching && !e.req.ExpiresAt.IsZero() && e.req.ExpiresAt.Before(now) {
			ids = append(ids, e.req.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// CountByStatus is used for the requests gauge.
func (s *Store) CountByStatus() map[models.RideStatus]int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.requests))
	for _, e := range s.requests {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	out := make(map[models.RideStatus]int)
	for _, e := range entries {
		e.mu.Lock()
		out[e.req.Status]++
		e.mu.Unlock()
	}
	return out
}
