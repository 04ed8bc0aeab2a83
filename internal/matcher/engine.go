// Package matcher is the dispatch engine: it runs the expanding-radius
// search, delivers offers and resolves driver responses so that exactly one
// driver wins a request and no driver is ever bound to two rides.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/supervisor"
)

// Deps are the collaborators of the engine. Only Registry and Rides are
// required; the rest fall back to no-op or in-memory implementations.
type Deps struct {
	Registry *registry.Registry
	Rides    *rides.Store
	Timers   *supervisor.Supervisor
	Gateway  dispatch.Gateway
	ETA      *eta.Estimator
	Events   events.Publisher
	Payments payments.FareHolder
	Archive  storage.RideArchive
	Logger   *slog.Logger
}

type Engine struct {
	policy  config.MatchingPolicy
	reg     *registry.Registry
	rides   *rides.Store
	timers  *supervisor.Supervisor
	gw      dispatch.Gateway
	eta     *eta.Estimator
	events  events.Publisher
	pay     payments.FareHolder
	archive storage.RideArchive
	retry   *retry.Retrier
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
	async sync.WaitGroup
}

func New(policy config.MatchingPolicy, d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		policy:  policy,
		reg:     d.Registry,
		rides:   d.Rides,
		timers:  d.Timers,
		gw:      d.Gateway,
		eta:     d.ETA,
		events:  d.Events,
		pay:     d.Payments,
		archive: d.Archive,
		logger:  logger.With("component", "matcher"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	if e.reg == nil {
		e.reg = registry.New(nil, nil)
	}
	if e.rides == nil {
		e.rides = rides.NewStore(policy.OneActiveRequest)
	}
	if e.timers == nil {
		e.timers = supervisor.New(logger)
	}
	if e.gw == nil {
		e.gw = dispatch.Nop{}
	}
	if e.eta == nil {
		e.eta = &eta.Estimator{DefaultSpeed: eta.DefaultSpeedMps}
	}
	if e.events == nil {
		e.events = events.LogPublisher{Logger: logger}
	}
	if e.pay == nil {
		e.pay = payments.Nop{}
	}
	if e.archive == nil {
		e.archive = storage.NewMemoryStore()
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = policy.StoreRetryAttempts
	rc.Retryable = models.IsTransient
	e.retry = retry.New(rc, logger)
	return e
}

// Timers exposes the supervisor so the process can drive sweeps with it.
func (e *Engine) Timers() *supervisor.Supervisor { return e.timers }

// Wait blocks until background notifications have finished.
func (e *Engine) Wait() { e.async.Wait() }

// Close stops every timer and waits for background work.
func (e *Engine) Close() {
	e.timers.Close()
	e.async.Wait()
}

func (e *Engine) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		fn(ctx)
	}()
}

func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return e.retry.Do(ctx, op, fn)
}

// RegisterDriver creates or replaces a driver profile. The connection ref
// defaults to the driver id.
func (e *Engine) RegisterDriver(ctx context.Context, driverID string, loc models.Coord, attrs models.DriverAttributes) (models.Driver, error) {
	if attrs.ConnectionRef == "" {
		attrs.ConnectionRef = driverID
	}
	var d models.Driver
	err := e.withRetry(ctx, "register_driver", func(ctx context.Context) error {
		var err error
		d, err = e.reg.Register(ctx, driverID, loc, attrs)
		return err
	})
	if err != nil {
		return models.Driver{}, err
	}
	e.logger.Info("driver registered", "driver_id", driverID, "vehicle_type", d.VehicleType)
	return d, nil
}

// UpdateDriverLocation moves a driver. Moves shorter than the configured
// minimum only refresh the liveness timestamp.
func (e *Engine) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord, speedMps float64) error {
	if !loc.Valid() {
		return models.InvalidLocation(loc)
	}
	d, ok := e.reg.Get(driverID)
	if !ok {
		return models.NotRegistered(driverID)
	}
	if geo.HaversineKm(d.Loc, loc)*1000 < e.policy.MinMoveMeters {
		return e.reg.Touch(driverID)
	}
	return e.withRetry(ctx, "update_location", func(ctx context.Context) error {
		return e.reg.UpdateLocation(ctx, driverID, loc, speedMps)
	})
}

// SetDriverStatus makes a driver available or takes it offline. Going
// offline removes the driver like a disconnect does.
func (e *Engine) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	if status == models.DriverOffline {
		return e.RemoveDriver(ctx, driverID)
	}
	return e.withRetry(ctx, "set_status", func(ctx context.Context) error {
		return e.reg.SetStatus(ctx, driverID, status)
	})
}

// RemoveDriver clears the driver's profile, position and binding. A bound
// rider is told the driver became unavailable.
func (e *Engine) RemoveDriver(ctx context.Context, driverID string) error {
	var active string
	err := e.withRetry(ctx, "remove_driver", func(ctx context.Context) error {
		var err error
		active, err = e.reg.Remove(ctx, driverID)
		return err
	})
	if err != nil {
		return err
	}
	e.logger.Info("driver removed", "driver_id", driverID, "active_ride", active)
	if active != "" {
		e.driverLost(ctx, driverID, active)
	}
	return nil
}

// OnDriverDisconnect handles a dropped driver connection. The accepted ride
// is not searched again.
func (e *Engine) OnDriverDisconnect(ctx context.Context, driverID string) error {
	err := e.RemoveDriver(ctx, driverID)
	if errors.Is(err, models.ErrNotRegistered) {
		return nil
	}
	return err
}

// driverLost runs after the driver's binding to requestID was freed.
func (e *Engine) driverLost(ctx context.Context, driverID, requestID string) {
	req, err := e.rides.Get(requestID)
	if err != nil {
		e.logger.Warn("bound ride missing", "driver_id", driverID, "request_id", requestID, "err", err)
		return
	}
	if req.Status != models.RideAccepted || req.AcceptedBy != driverID || req.CompletedAt != nil {
		return
	}
	e.notify(ctx, req.RiderConnectionRef, dispatch.EventDriverUnavailable, models.DriverUnavailable{RequestID: requestID, DriverID: driverID})
	if _, err := e.rides.ReleaseRider(requestID); err != nil {
		e.logger.Error("release rider failed", "request_id", requestID, "err", err)
	}
	if req.PaymentRef != "" {
		if err := e.pay.Cancel(ctx, req.PaymentRef); err != nil {
			e.logger.Warn("fare hold cancel failed", "request_id", requestID, "payment_ref", req.PaymentRef, "err", err)
		}
	}
	e.publish(ctx, events.DriverUnavailable, req)
	e.logger.Info("driver unavailable for accepted ride", "driver_id", driverID, "request_id", requestID)
}

func (e *Engine) GetRide(requestID string) (*models.RideRequest, error) {
	return e.rides.Get(requestID)
}

func (e *Engine) Driver(driverID string) (models.Driver, bool) {
	return e.reg.Get(driverID)
}

// notify delivers one event; failures are logged, never returned.
func (e *Engine) notify(ctx context.Context, ref, event string, payload any) {
	if ref == "" {
		return
	}
	if err := e.gw.Notify(ctx, ref, event, payload); err != nil {
		if errors.Is(err, dispatch.ErrNoSession) {
			e.logger.Debug("no session for event", "ref", ref, "event", event)
			return
		}
		observability.NotifyFailures.WithLabelValues(event).Inc()
		e.logger.Warn("notify failed", "ref", ref, "event", event, "err", err)
	}
}

// broadcastCancel tells every listed driver its offer is gone.
func (e *Engine) broadcastCancel(ctx context.Context, requestID string, driverIDs []string, reason string) {
	if len(driverIDs) == 0 {
		return
	}
	refs := e.driverRefs(driverIDs)
	payload := models.RideOfferCancelled{RequestID: requestID, Reason: reason}
	if err := e.gw.Broadcast(ctx, refs, dispatch.EventRideOfferCancelled, payload); err != nil {
		observability.NotifyFailures.WithLabelValues(dispatch.EventRideOfferCancelled).Inc()
		e.logger.Warn("offer cancel broadcast partially failed", "request_id", requestID, "drivers", len(refs), "reason", reason, "err", err)
	}
}

// driverRefs maps ids to connection refs. Drivers that are gone keep their
// id as ref; delivering to it is a no-op.
func (e *Engine) driverRefs(driverIDs []string) []string {
	refs := make([]string, 0, len(driverIDs))
	for _, id := range driverIDs {
		if d, ok := e.reg.Get(id); ok && d.ConnectionRef != "" {
			refs = append(refs, d.ConnectionRef)
			continue
		}
		refs = append(refs, id)
	}
	return refs
}

func (e *Engine) driverRef(driverID string) string {
	return e.driverRefs([]string{driverID})[0]
}

func (e *Engine) publish(ctx context.Context, t events.Type, req *models.RideRequest) {
	if err := e.events.Publish(ctx, events.FromRequest(t, req, e.now())); err != nil {
		e.logger.Warn("event publish failed", "type", t, "request_id", req.ID, "err", err)
	}
}
