package geo

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var delhi = models.Coord{Lat: 28.6139, Lng: 77.2090}

func TestHaversineZero(t *testing.T) {
	assert.Equal(t, 0.0, HaversineKm(delhi, delhi))
}

func TestHaversineKnownDistance(t *testing.T) {
	// Delhi -> Mumbai is ~1150km great-circle.
	mumbai := models.Coord{Lat: 19.0760, Lng: 72.8777}
	assert.InDelta(t, 1150, HaversineKm(delhi, mumbai), 15)
}

func TestIndexQueryOrdersByDistanceAndLimits(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	for i := 1; i <= 5; i++ {
		loc := models.Coord{Lat: delhi.Lat + float64(i)*0.01, Lng: delhi.Lng}
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("d%d", i), loc))
	}
	hits, err := idx.Query(ctx, delhi, 100, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "d1", hits[0].DriverID)
	assert.Equal(t, "d2", hits[1].DriverID)
	assert.Equal(t, "d3", hits[2].DriverID)
	assert.Less(t, hits[0].DistanceKm, hits[1].DistanceKm)
}

func TestIndexRadiusExcludesFarDrivers(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 28.6355, Lng: 77.2090})) // ~2.4km north
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 28.80, Lng: 77.2090}))    // ~20km north

	hits, err := idx.Query(ctx, delhi, 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].DriverID)
	assert.InDelta(t, 2.4, hits[0].DistanceKm, 0.1)

	hits, err = idx.Query(ctx, delhi, 50, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIndexUpsertMovesBetweenCellsAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.Upsert(ctx, "d1", delhi))
	mumbai := models.Coord{Lat: 19.0760, Lng: 72.8777}
	require.NoError(t, idx.Upsert(ctx, "d1", mumbai))

	hits, err := idx.Query(ctx, delhi, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = idx.Query(ctx, mumbai, 10, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, idx.Remove(ctx, "d1"))
	require.NoError(t, idx.Remove(ctx, "missing"))
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.cells)
}

func TestIndexNeighbourCellsAreSearched(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	// Points straddling a precision-4 cell boundary still match each other.
	a := models.Coord{Lat: 28.1249, Lng: 77.3437}
	b := models.Coord{Lat: 28.1251, Lng: 77.3439}
	require.NoError(t, idx.Upsert(ctx, "b", b))
	hits, err := idx.Query(ctx, a, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].DriverID)
}

func setupRedisGeo(t *testing.T) (*miniredis.Miniredis, *RedisGeo) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisGeo(client, "test_geo")
}

func TestRedisGeoUpsertQueryRemove(t *testing.T) {
	ctx := context.Background()
	_, g := setupRedisGeo(t)

	require.NoError(t, g.Upsert(ctx, "near", models.Coord{Lat: 28.6355, Lng: 77.2090}))
	require.NoError(t, g.Upsert(ctx, "mid", models.Coord{Lat: 28.6600, Lng: 77.2090}))
	require.NoError(t, g.Upsert(ctx, "far", models.Coord{Lat: 28.90, Lng: 77.2090}))

	hits, err := g.Query(ctx, delhi, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].DriverID)
	assert.Equal(t, "mid", hits[1].DriverID)
	assert.InDelta(t, 2.4, hits[0].DistanceKm, 0.1)

	hits, err = g.Query(ctx, delhi, 10, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, g.Remove(ctx, "near"))
	hits, err = g.Query(ctx, delhi, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mid", hits[0].DriverID)
}

func TestRedisGeoUnavailableIsTransient(t *testing.T) {
	ctx := context.Background()
	mr, g := setupRedisGeo(t)
	mr.Close()
	_, err := g.Query(ctx, delhi, 5, 0)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}
