package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var pickup = models.Coord{Lat: 28.6139, Lng: 77.2090}

func newTestRegistry() *Registry {
	return New(geo.NewIndex(), NewMemoryBindings())
}

func TestRegisterRejectsInvalidLocation(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(context.Background(), "d1", models.Coord{Lat: 91, Lng: 0}, models.DriverAttributes{})
	assert.ErrorIs(t, err, models.ErrInvalidLocation)
	_, err = r.Register(context.Background(), "d1", models.Coord{Lat: 0, Lng: 181}, models.DriverAttributes{})
	assert.ErrorIs(t, err, models.ErrInvalidLocation)
	_, ok := r.Get("d1")
	assert.False(t, ok)
}

func TestRegisterSetsAvailable(t *testing.T) {
	r := newTestRegistry()
	d, err := r.Register(context.Background(), "d1", pickup, models.DriverAttributes{VehicleType: "Car", Rating: 4.8})
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
	assert.Equal(t, "car", d.VehicleType)
	assert.False(t, d.LastLocationUpdate.IsZero())
}

func TestUpdateLocationUnknownDriver(t *testing.T) {
	r := newTestRegistry()
	err := r.UpdateLocation(context.Background(), "ghost", pickup, 0)
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}

func TestUpdateLocationMovesDriver(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	_, err := r.Register(ctx, "d1", models.Coord{Lat: 29.5, Lng: 77.2}, models.DriverAttributes{})
	require.NoError(t, err)

	c, err := r.FindEligible(ctx, pickup, 5, "", 0)
	require.NoError(t, err)
	assert.Empty(t, c)

	require.NoError(t, r.UpdateLocation(ctx, "d1", models.Coord{Lat: 28.62, Lng: 77.21}, 8))
	c, err = r.FindEligible(ctx, pickup, 5, "", 0)
	require.NoError(t, err)
	require.Len(t, c, 1)
	assert.Equal(t, 8.0, c[0].Driver.SpeedMps)
}

func TestFindEligibleFiltersStatusAndVehicleType(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	mustRegister(t, r, "car-near", 0.01, "car")
	mustRegister(t, r, "bike-near", 0.005, "bike")
	mustRegister(t, r, "car-far", 0.03, "car")
	mustRegister(t, r, "car-offline", 0.002, "car")
	require.NoError(t, r.SetStatus(ctx, "car-offline", models.DriverOffline))
	mustRegister(t, r, "car-busy", 0.001, "car")
	require.NoError(t, r.BindActiveRide(ctx, "car-busy", "req-x"))

	cands, err := r.FindEligible(ctx, pickup, 10, "car", 0)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "car-near", cands[0].Driver.ID)
	assert.Equal(t, "car-far", cands[1].Driver.ID)

	cands, err = r.FindEligible(ctx, pickup, 10, models.VehicleAny, 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "bike-near", cands[0].Driver.ID)
	assert.Equal(t, "car-near", cands[1].Driver.ID)
}

func TestBindActiveRidePreventsDoubleBooking(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	mustRegister(t, r, "d1", 0.01, "car")

	require.NoError(t, r.BindActiveRide(ctx, "d1", "req-1"))
	d, _ := r.Get("d1")
	assert.Equal(t, models.DriverBusy, d.Status)

	err := r.BindActiveRide(ctx, "d1", "req-2")
	assert.ErrorIs(t, err, models.ErrDriverAlreadyBusy)

	// same ride again is a no-op
	require.NoError(t, r.BindActiveRide(ctx, "d1", "req-1"))

	assert.ErrorIs(t, r.SetStatus(ctx, "d1", models.DriverAvailable), models.ErrDriverAlreadyBusy)

	// unbinding another ride leaves the binding intact
	require.NoError(t, r.UnbindActiveRide(ctx, "d1", "req-2"))
	cur, ok, err := r.ActiveRide(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "req-1", cur)

	require.NoError(t, r.UnbindActiveRide(ctx, "d1", "req-1"))
	d, _ = r.Get("d1")
	assert.Equal(t, models.DriverAvailable, d.Status)
	require.NoError(t, r.BindActiveRide(ctx, "d1", "req-2"))
}

func TestBindActiveRideUnregistered(t *testing.T) {
	r := newTestRegistry()
	err := r.BindActiveRide(context.Background(), "ghost", "req-1")
	assert.ErrorIs(t, err, models.ErrNotRegistered)
}

func TestConcurrentBindsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	mustRegister(t, r, "d1", 0.01, "car")

	const n = 16
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.BindActiveRide(ctx, "d1", fmt.Sprintf("req-%d", i))
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.True(t, errors.Is(err, models.ErrDriverAlreadyBusy))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRemoveClearsEverything(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	mustRegister(t, r, "d1", 0.01, "car")
	require.NoError(t, r.BindActiveRide(ctx, "d1", "req-1"))

	active, err := r.Remove(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", active)

	_, ok := r.Get("d1")
	assert.False(t, ok)
	_, bound, err := r.ActiveRide(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, bound)

	_, err = r.Remove(ctx, "d1")
	assert.ErrorIs(t, err, models.ErrNotRegistered)
	assert.ErrorIs(t, r.BindActiveRide(ctx, "d1", "req-2"), models.ErrNotRegistered)
}

func TestStaleDrivers(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	mustRegister(t, r, "old", 0.01, "car")
	r.now = func() time.Time { return base.Add(10 * time.Minute) }
	mustRegister(t, r, "fresh", 0.02, "car")

	assert.Equal(t, []string{"old"}, r.StaleDrivers(base.Add(5*time.Minute)))
	require.NoError(t, r.Touch("old"))
	assert.Empty(t, r.StaleDrivers(base.Add(5*time.Minute)))
}

func TestSetStatusRejectsBusy(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "d1", 0.01, "car")
	assert.ErrorIs(t, r.SetStatus(context.Background(), "d1", models.DriverBusy), models.ErrInvalidArgument)
	assert.ErrorIs(t, r.SetStatus(context.Background(), "ghost", models.DriverOffline), models.ErrNotRegistered)
}

func TestRedisBindings(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedisBindings(client)
	require.NoError(t, b.Bind(ctx, "d1", "req-1"))
	require.NoError(t, b.Bind(ctx, "d1", "req-1"))
	assert.ErrorIs(t, b.Bind(ctx, "d1", "req-2"), models.ErrDriverAlreadyBusy)

	cur, ok, err := b.Get(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "req-1", cur)

	removed, err := b.Unbind(ctx, "d1", "req-2")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, mr.Exists("driver:active:d1"))

	removed, err = b.Unbind(ctx, "d1", "req-1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, err = b.Get(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Bind(ctx, "d1", "req-3"))
	removed, err = b.Unbind(ctx, "d1", "")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRedisBindingsConcurrentBind(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := New(geo.NewIndex(), NewRedisBindings(client))
	mustRegister(t, r, "d1", 0.01, "car")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.BindActiveRide(ctx, "d1", fmt.Sprintf("req-%d", i)) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func mustRegister(t *testing.T, r *Registry, id string, dLat float64, vehicle string) {
	t.Helper()
	loc := models.Coord{Lat: pickup.Lat + dLat, Lng: pickup.Lng}
	_, err := r.Register(context.Background(), id, loc, models.DriverAttributes{VehicleType: vehicle, Rating: 4.5, ConnectionRef: "conn-" + id})
	require.NoError(t, err)
}

// stallingBindings returns a binding read, then holds it until released so a
// concurrent bind can land between the read and the caller's status write.
type stallingBindings struct {
	Bindings
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
	bound   chan struct{}
}

func newStallingBindings() *stallingBindings {
	return &stallingBindings{
		Bindings: NewMemoryBindings(),
		read:     make(chan struct{}),
		release:  make(chan struct{}),
		bound:    make(chan struct{}, 1),
	}
}

func (s *stallingBindings) Get(ctx context.Context, driverID string) (string, bool, error) {
	cur, ok, err := s.Bindings.Get(ctx, driverID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return cur, ok, err
}

func (s *stallingBindings) Bind(ctx context.Context, driverID, requestID string) error {
	err := s.Bindings.Bind(ctx, driverID, requestID)
	s.bound <- struct{}{}
	return err
}

func TestStatusWritesDoNotOverwriteConcurrentBind(t *testing.T) {
	cases := map[string]func(r *Registry) error{
		"register": func(r *Registry) error {
			_, err := r.Register(context.Background(), "d1", pickup, models.DriverAttributes{VehicleType: "car"})
			return err
		},
		"set available": func(r *Registry) error {
			return r.SetStatus(context.Background(), "d1", models.DriverAvailable)
		},
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newStallingBindings()
			r := New(geo.NewIndex(), b)
			_, err := r.Register(ctx, "d1", pickup, models.DriverAttributes{VehicleType: "car"})
			require.NoError(t, err)
			b.armed.Store(true)

			writeErr := make(chan error, 1)
			go func() { writeErr <- write(r) }()
			<-b.read

			bindErr := make(chan error, 1)
			go func() { bindErr <- r.BindActiveRide(ctx, "d1", "req-1") }()
			<-b.bound
			close(b.release)

			require.NoError(t, <-writeErr)
			require.NoError(t, <-bindErr)

			d, ok := r.Get("d1")
			require.True(t, ok)
			assert.Equal(t, models.DriverBusy, d.Status)
			cands, err := r.FindEligible(ctx, pickup, 5, "", 0)
			require.NoError(t, err)
			assert.Empty(t, cands)
		})
	}
}
