package matcher

import (
	"context"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/supervisor"
)

type DispatchParams struct {
	RiderID            string
	RiderConnectionRef string
	Pickup             models.Coord
	Drop               *models.Coord
	VehicleType        string
	FareEstimate       float64
}

// DispatchRideRequest creates a request and runs the first search step
// inline. Later steps are driven by timers. If the first step cannot reach
// the backing store the request is discarded and the error returned.
func (e *Engine) DispatchRideRequest(ctx context.Context, p DispatchParams) (*models.RideRequest, error) {
	ref := p.RiderConnectionRef
	if ref == "" {
		ref = p.RiderID
	}
	ttl := time.Duration(e.policy.MaxAttempts)*e.policy.ExpansionInterval + e.policy.ResponseTimeout
	req, err := e.rides.Create(rides.CreateParams{
		RequestID:          e.newID(),
		RiderID:            p.RiderID,
		RiderConnectionRef: ref,
		Pickup:             p.Pickup,
		Drop:               p.Drop,
		VehicleType:        p.VehicleType,
		FareEstimate:       p.FareEstimate,
		Radius:             e.policy.InitialRadiusKm,
		TTL:                ttl,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("ride requested", "request_id", req.ID, "rider_id", req.RiderID, "vehicle_type", req.VehicleType, "radius_km", req.Radius)

	if err := e.searchStep(ctx, req.ID, models.RideNoDriversFound); err != nil {
		e.timers.Stop(req.ID)
		e.rides.Discard(req.ID)
		e.logger.Error("first search step failed", "request_id", req.ID, "err", err)
		return nil, err
	}
	return e.rides.Get(req.ID)
}

// searchStep runs one attempt at the request's current radius. It returns
// only store errors that survived retries. finalStatus is used if the search
// runs out of radius or attempts without fresh drivers.
func (e *Engine) searchStep(ctx context.Context, requestID string, finalStatus models.RideStatus) error {
	req, err := e.rides.Get(requestID)
	if err != nil || req.Status != models.RideSearching {
		return nil
	}
	var cands []models.Candidate
	err = e.withRetry(ctx, "find_eligible", func(ctx context.Context) error {
		var err error
		cands, err = e.reg.FindEligible(ctx, req.Pickup, req.Radius, req.VehicleType, 0)
		return err
	})
	if err != nil {
		return err
	}

	fresh := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if !req.WasNotified(c.Driver.ID) {
			fresh = append(fresh, c)
		}
	}
	fresh = e.rank(ctx, req.Pickup, fresh)
	if e.policy.CandidateLimit > 0 && len(fresh) > e.policy.CandidateLimit {
		fresh = fresh[:e.policy.CandidateLimit]
	}

	if len(fresh) == 0 {
		e.expandOrGiveUp(ctx, req, finalStatus)
		return nil
	}

	ids := make([]string, len(fresh))
	for i, c := range fresh {
		ids[i] = c.Driver.ID
	}
	added, snap, err := e.rides.RecordNotification(requestID, ids, e.now().Add(e.policy.ResponseTimeout))
	if err != nil {
		// closed while we were searching
		return nil
	}
	e.sendOffers(ctx, snap, fresh, added)
	e.notify(ctx, snap.RiderConnectionRef, dispatch.EventDriversFound, models.DriversFound{
		RequestID:       requestID,
		DriversNotified: len(added),
		SearchRadius:    snap.Radius,
	})
	e.timers.Cancel(requestID, supervisor.Expansion)
	e.timers.Schedule(requestID, supervisor.Response, e.policy.ResponseTimeout, func(ctx context.Context) {
		e.onResponseTimeout(ctx, requestID)
	})
	e.logger.Info("offers sent", "request_id", requestID, "drivers", len(added), "radius_km", snap.Radius)
	return nil
}

// sendOffers delivers ride-offer to the drivers the store reported as newly
// added. Drivers already notified are skipped even if they reappear.
func (e *Engine) sendOffers(ctx context.Context, req *models.RideRequest, cands []models.Candidate, added []string) {
	want := make(map[string]struct{}, len(added))
	for _, id := range added {
		want[id] = struct{}{}
	}
	timeout := int(math.Round(e.policy.ResponseTimeout.Seconds()))
	for _, c := range cands {
		if _, ok := want[c.Driver.ID]; !ok {
			continue
		}
		e.notify(ctx, c.Driver.ConnectionRef, dispatch.EventRideOffer, models.RideOffer{
			RequestID:      req.ID,
			Pickup:         req.Pickup,
			DistanceKm:     c.DistanceKm,
			VehicleType:    req.VehicleType,
			FareEstimate:   req.FareEstimate,
			TimeoutSeconds: timeout,
		})
		observability.OffersSent.Inc()
	}
}

// expandOrGiveUp widens the radius and schedules the next step, or closes
// the request with finalStatus once the radius or attempts are exhausted.
func (e *Engine) expandOrGiveUp(ctx context.Context, req *models.RideRequest, finalStatus models.RideStatus) {
	if req.Radius >= e.policy.MaxRadiusKm || req.Attempt >= e.policy.MaxAttempts {
		changed, snap, err := e.rides.Finish(req.ID, finalStatus)
		if err != nil || !changed {
			return
		}
		if finalStatus == models.RideNoDriversFound {
			e.timers.Stop(req.ID)
			e.notify(ctx, snap.RiderConnectionRef, dispatch.EventNoDriversFound, models.NoDriversFound{RequestID: snap.ID, SearchRadius: snap.Radius})
			e.closed(ctx, snap)
			return
		}
		e.finish(ctx, snap, dispatch.EventRideAllRejected, "")
		return
	}
	next := math.Min(req.Radius+e.policy.RadiusIncrementKm, e.policy.MaxRadiusKm)
	_, snap, err := e.rides.ExpandRadius(req.ID, next, nil)
	if err != nil {
		return
	}
	observability.SearchExpansions.Inc()
	e.notify(ctx, snap.RiderConnectionRef, dispatch.EventSearchExpanding, models.SearchExpanding{RequestID: snap.ID, Radius: snap.Radius, Attempt: snap.Attempt})
	e.logger.Debug("search expanding", "request_id", snap.ID, "radius_km", snap.Radius, "attempt", snap.Attempt)
	e.scheduleStep(snap.ID, e.policy.ExpansionInterval, finalStatus, 0)
}

// scheduleStep arms the next search step. failures counts consecutive steps
// that could not reach the store; the request times out once it reaches
// StoreRetryAttempts or the request has expired.
func (e *Engine) scheduleStep(requestID string, after time.Duration, finalStatus models.RideStatus, failures int) {
	e.timers.Schedule(requestID, supervisor.Expansion, after, func(ctx context.Context) {
		err := e.searchStep(ctx, requestID, finalStatus)
		if err == nil {
			return
		}
		failures++
		req, getErr := e.rides.Get(requestID)
		if getErr != nil || req.Status != models.RideSearching {
			return
		}
		if failures >= e.policy.StoreRetryAttempts || !e.now().Before(req.ExpiresAt) {
			e.logger.Error("search step failed, giving up", "request_id", requestID, "failures", failures, "err", err)
			e.onResponseTimeout(ctx, requestID)
			return
		}
		// store still unavailable: try the same radius again later
		e.logger.Warn("search step failed, rescheduling", "request_id", requestID, "failures", failures, "err", err)
		e.scheduleStep(requestID, e.policy.ExpansionInterval, finalStatus, failures)
	})
}

func (e *Engine) onResponseTimeout(ctx context.Context, requestID string) {
	changed, snap, err := e.rides.Timeout(requestID)
	if err != nil || !changed {
		return
	}
	e.finish(ctx, snap, dispatch.EventRideTimeout, models.CancelReasonTimeout)
}

// finish announces a terminal non-accepted status. With a non-empty reason
// the notified drivers get their offers cancelled.
func (e *Engine) finish(ctx context.Context, req *models.RideRequest, event, reason string) {
	e.timers.Stop(req.ID)
	e.notify(ctx, req.RiderConnectionRef, event, models.RideClosed{RequestID: req.ID, Status: req.Status})
	if reason != "" {
		e.broadcastCancel(ctx, req.ID, req.NotifiedDrivers, reason)
	}
	e.closed(ctx, req)
}

func (e *Engine) closed(ctx context.Context, req *models.RideRequest) {
	observability.RideRequestsTotal.WithLabelValues(string(req.Status)).Inc()
	e.publish(ctx, events.RideClosed, req)
	e.logger.Info("ride request closed", "request_id", req.ID, "status", req.Status, "radius_km", req.Radius, "notified", len(req.NotifiedDrivers))
}
