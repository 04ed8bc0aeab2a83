package matcher

import (
	"context"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/supervisor"
)

var _ supervisor.Sweeper = (*Engine)(nil)

// SweepStaleDrivers removes drivers silent for longer than the offline
// threshold. A driver removed mid-accept makes that accept fail with
// NotRegistered instead of binding.
func (e *Engine) SweepStaleDrivers(ctx context.Context) int {
	removed := 0
	for _, id := range e.reg.StaleDrivers(e.now().Add(-e.policy.OfflineThreshold)) {
		if err := e.RemoveDriver(ctx, id); err != nil {
			e.logger.Warn("stale driver removal failed", "driver_id", id, "err", err)
			continue
		}
		removed++
	}
	observability.SweepRemoved.WithLabelValues("driver").Add(float64(removed))
	e.refreshGauges()
	return removed
}

// ExpireOverdueRequests times out searching requests past their deadline
// that no longer own a timer.
func (e *Engine) ExpireOverdueRequests(ctx context.Context) int {
	expired := 0
	for _, id := range e.rides.Expired(e.now()) {
		if e.timers.Pending(id, supervisor.Expansion) || e.timers.Pending(id, supervisor.Response) {
			continue
		}
		changed, snap, err := e.rides.Timeout(id)
		if err != nil || !changed {
			continue
		}
		e.finish(ctx, snap, dispatch.EventRideTimeout, models.CancelReasonTimeout)
		expired++
	}
	observability.SweepRemoved.WithLabelValues("expired_request").Add(float64(expired))
	return expired
}

// PurgeFinishedRequests archives and drops requests finished longer than the
// retention period ago.
func (e *Engine) PurgeFinishedRequests(ctx context.Context) int {
	purged := e.rides.Purge(e.now().Add(-e.policy.RequestRetention))
	for _, r := range purged {
		e.timers.Stop(r.ID)
		err := e.withRetry(ctx, "archive_ride", func(ctx context.Context) error {
			return e.archive.SaveRide(ctx, r)
		})
		if err != nil {
			e.logger.Error("archive failed", "request_id", r.ID, "status", r.Status, "err", err)
		}
	}
	observability.SweepRemoved.WithLabelValues("request").Add(float64(len(purged)))
	return len(purged)
}

func (e *Engine) refreshGauges() {
	for _, st := range []models.DriverStatus{models.DriverAvailable, models.DriverBusy, models.DriverOffline} {
		observability.DriversOnline.WithLabelValues(string(st)).Set(0)
	}
	for st, n := range e.reg.CountByStatus() {
		observability.DriversOnline.WithLabelValues(string(st)).Set(float64(n))
	}
	observability.ActiveRequests.Set(float64(e.rides.CountByStatus()[models.RideSearching]))
}
