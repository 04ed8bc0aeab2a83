package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/supervisor"
)

// staleRetries bounds re-reads when a concurrent write bumped the version.
const staleRetries = 5

// RespondToRide applies a driver's accept or reject. Accept returns the
// single-winner outcome; reject returns a zero outcome.
func (e *Engine) RespondToRide(ctx context.Context, requestID, driverID string, resp models.ResponseKind) (models.AcceptOutcome, error) {
	switch resp {
	case models.ResponseAccept:
		return e.accept(ctx, requestID, driverID)
	case models.ResponseReject:
		return models.AcceptOutcome{}, e.reject(ctx, requestID, driverID)
	default:
		return models.AcceptOutcome{}, models.Invalid("unknown response %q", resp)
	}
}

func (e *Engine) accept(ctx context.Context, requestID, driverID string) (models.AcceptOutcome, error) {
	d, ok := e.reg.Get(driverID)
	if !ok {
		return models.AcceptOutcome{}, models.NotRegistered(driverID)
	}
	var (
		cur   string
		bound bool
	)
	err := e.withRetry(ctx, "active_ride", func(ctx context.Context) error {
		var err error
		cur, bound, err = e.reg.ActiveRide(ctx, driverID)
		return err
	})
	if err != nil {
		return models.AcceptOutcome{}, err
	}
	if bound && cur != requestID {
		return e.lost(ctx, requestID, driverID, models.LostDriverBusy), nil
	}

	out, req, err := e.tryAccept(requestID, driverID)
	if err != nil {
		return models.AcceptOutcome{}, err
	}
	if !out.Won {
		return e.lost(ctx, requestID, driverID, out.Reason), nil
	}
	if out.Duplicate {
		return out, nil
	}

	err = e.withRetry(ctx, "bind_active_ride", func(ctx context.Context) error {
		return e.reg.BindActiveRide(ctx, driverID, requestID)
	})
	if err != nil {
		e.rollback(ctx, requestID, driverID, err)
		lost := e.lost(ctx, requestID, driverID, models.LostDriverBusy)
		if errors.Is(err, models.ErrDriverAlreadyBusy) {
			return lost, nil
		}
		return lost, err
	}

	e.timers.Stop(requestID)
	observability.AcceptResults.WithLabelValues("won").Inc()
	observability.RideRequestsTotal.WithLabelValues(string(models.RideAccepted)).Inc()
	observability.MatchLatency.Observe(e.now().Sub(req.CreatedAt).Seconds())
	e.logger.Info("accept won", "request_id", requestID, "driver_id", driverID, "rider_id", req.RiderID)

	etaSec := e.eta.Estimate(ctx, d.Loc, req.Pickup, d.SpeedMps)
	e.notify(ctx, req.RiderConnectionRef, dispatch.EventRideAccepted, models.RideAcceptedPayload{RequestID: requestID, DriverID: driverID, ETASeconds: etaSec})

	others := make([]string, 0, len(req.NotifiedDrivers))
	for _, id := range req.NotifiedDrivers {
		if id != driverID {
			others = append(others, id)
		}
	}
	e.goAsync(ctx, func(ctx context.Context) {
		e.broadcastCancel(ctx, requestID, others, models.CancelReasonAlreadyAccepted)
	})

	e.holdFare(ctx, req)
	e.publish(ctx, events.RideAccepted, req)
	return out, nil
}

// tryAccept runs the compare-and-swap, re-reading on version conflicts.
func (e *Engine) tryAccept(requestID, driverID string) (models.AcceptOutcome, *models.RideRequest, error) {
	for i := 0; i < staleRetries; i++ {
		snap, err := e.rides.Get(requestID)
		if err != nil {
			return models.AcceptOutcome{}, nil, err
		}
		out, after, err := e.rides.TryAccept(requestID, driverID, snap.Version)
		if errors.Is(err, models.ErrStaleVersion) {
			continue
		}
		return out, after, err
	}
	// the request keeps changing under us; settle on status alone
	return e.rides.TryAccept(requestID, driverID, 0)
}

func (e *Engine) lost(ctx context.Context, requestID, driverID string, reason models.LostReason) models.AcceptOutcome {
	observability.AcceptResults.WithLabelValues(string(reason)).Inc()
	e.logger.Info("accept lost", "request_id", requestID, "driver_id", driverID, "reason", reason)
	e.notify(ctx, e.driverRef(driverID), dispatch.EventRideOfferCancelled, models.RideOfferCancelled{
		RequestID: requestID,
		Reason:    models.CancelReasonFor(reason),
	})
	return models.AcceptOutcome{Reason: reason}
}

// rollback reverts an accept whose driver bind failed and restores the
// response deadline so the request can still time out.
func (e *Engine) rollback(ctx context.Context, requestID, driverID string, cause error) {
	res, snap, err := e.rides.RollbackAccept(requestID, driverID, !e.policy.ExpandOnAllRejected)
	if err != nil {
		e.logger.Error("accept rollback failed", "request_id", requestID, "driver_id", driverID, "err", err)
		return
	}
	if !res.Reverted {
		return
	}
	observability.AcceptRollbacks.Inc()
	e.logger.Warn("accept rolled back", "request_id", requestID, "driver_id", driverID, "cause", cause)
	switch {
	case res.AllRejected:
		e.finish(ctx, snap, dispatch.EventRideAllRejected, "")
	case res.Exhausted:
		e.timers.Cancel(requestID, supervisor.Response)
		e.expandOrGiveUp(ctx, snap, models.RideAllRejected)
	default:
		remaining := snap.ExpiresAt.Sub(e.now())
		if remaining < 0 {
			remaining = 0
		}
		e.timers.Schedule(requestID, supervisor.Response, remaining, func(ctx context.Context) {
			e.onResponseTimeout(ctx, requestID)
		})
	}
}

func (e *Engine) holdFare(ctx context.Context, req *models.RideRequest) {
	if req.FareEstimate <= 0 {
		return
	}
	ref, err := e.pay.Hold(ctx, req.ID, req.FareEstimate, req.RiderID)
	if err != nil {
		e.logger.Warn("fare hold failed", "request_id", req.ID, "err", err)
		return
	}
	if ref == "" {
		return
	}
	if err := e.rides.SetPaymentRef(req.ID, ref); err != nil {
		e.logger.Warn("store payment ref failed", "request_id", req.ID, "err", err)
	}
}

func (e *Engine) reject(ctx context.Context, requestID, driverID string) error {
	res, snap, err := e.rides.RecordRejection(requestID, driverID, !e.policy.ExpandOnAllRejected)
	if err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}
	e.logger.Debug("offer rejected", "request_id", requestID, "driver_id", driverID)
	switch {
	case res.AllRejected:
		e.finish(ctx, snap, dispatch.EventRideAllRejected, "")
	case res.Exhausted:
		e.timers.Cancel(requestID, supervisor.Response)
		e.expandOrGiveUp(ctx, snap, models.RideAllRejected)
	}
	return nil
}

// CancelRideRequest cancels a searching request owned by riderID. Repeating
// the cancel returns the request unchanged.
func (e *Engine) CancelRideRequest(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	changed, snap, err := e.rides.Cancel(requestID, riderID)
	if err != nil {
		return snap, err
	}
	if !changed {
		return snap, nil
	}
	e.finish(ctx, snap, dispatch.EventRideCancelledAck, models.CancelReasonRiderCancelled)
	return snap, nil
}

// CompleteRide finishes an accepted ride: frees both bindings and captures
// the fare hold.
func (e *Engine) CompleteRide(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	snap, err := e.rides.Complete(requestID, driverID)
	if err != nil {
		return snap, err
	}
	err = e.withRetry(ctx, "unbind_active_ride", func(ctx context.Context) error {
		return e.reg.UnbindActiveRide(ctx, snap.AcceptedBy, requestID)
	})
	if err != nil {
		e.logger.Error("unbind after complete failed", "request_id", requestID, "driver_id", snap.AcceptedBy, "err", err)
	}
	if snap.PaymentRef != "" {
		if err := e.pay.Capture(ctx, snap.PaymentRef); err != nil {
			e.logger.Warn("fare capture failed", "request_id", requestID, "payment_ref", snap.PaymentRef, "err", err)
		}
	}
	observability.RideRequestsTotal.WithLabelValues("completed").Inc()
	e.publish(ctx, events.RideCompleted, snap)
	e.logger.Info("ride completed", "request_id", requestID, "driver_id", snap.AcceptedBy, "duration", e.now().Sub(snap.CreatedAt).Round(time.Second))
	return snap, nil
}
