package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	a = models.Coord{Lat: 28.6139, Lng: 77.2090}
	b = models.Coord{Lat: 28.6355, Lng: 77.2090} // ~2.4 km north
)

func TestEstimateSecondsNaive(t *testing.T) {
	got := EstimateSeconds(a, b, 10)
	assert.InDelta(t, 240, got, 5)
	assert.InDelta(t, EstimateSeconds(a, b, DefaultSpeedMps), EstimateSeconds(a, b, 0), 1e-9)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = c.Get(b, a)
	assert.False(t, ok)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}

type stubRouting struct {
	v     float64
	err   error
	calls int
}

func (s *stubRouting) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorUsesRoutingAndCache(t *testing.T) {
	r := &stubRouting{v: 300}
	e := &Estimator{Routing: r, Cache: NewCache(time.Minute)}
	assert.Equal(t, 300.0, e.Estimate(context.Background(), a, b, 0))
	assert.Equal(t, 300.0, e.Estimate(context.Background(), a, b, 0))
	assert.Equal(t, 1, r.calls)
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Routing: &stubRouting{err: errors.New("down")}, DefaultSpeed: 10}
	assert.InDelta(t, 240, e.Estimate(context.Background(), a, b, 0), 5)

	var nilEst *Estimator
	assert.InDelta(t, 240, nilEst.Estimate(context.Background(), a, b, 10), 5)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.209000,28.613900;"))
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b)
	assert.Error(t, err)
}
