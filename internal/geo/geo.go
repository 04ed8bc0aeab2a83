package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// Hit is one driver position returned by a radius query.
type Hit struct {
	DriverID   string
	Loc        models.Coord
	DistanceKm float64
}

// GeoIndex is the spatial structure of driver positions used by the registry.
// Query results are ordered by ascending distance.
type GeoIndex interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Query(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error)
}

// DefaultPrecision gives cells of roughly 39km x 19.5km at the equator,
// wide enough that a cell plus its neighbours covers typical search radii.
const DefaultPrecision uint = 4

const kmPerDegree = 111.195

type point struct {
	loc  models.Coord
	cell string
}

// Index is an in-process GeoIndex bucketing drivers by geohash cell.
type Index struct {
	mu        sync.RWMutex
	precision uint
	points    map[string]point
	cells     map[string]map[string]struct{}
}

func NewIndex() *Index {
	return NewIndexWithPrecision(DefaultPrecision)
}

func NewIndexWithPrecision(precision uint) *Index {
	if precision == 0 {
		precision = DefaultPrecision
	}
	return &Index{
		precision: precision,
		points:    make(map[string]point),
		cells:     make(map[string]map[string]struct{}),
	}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	cell := geohash.EncodeWithPrecision(loc.Lat, loc.Lng, g.precision)
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.points[driverID]; ok && prev.cell != cell {
		g.dropFromCell(prev.cell, driverID)
	}
	g.points[driverID] = point{loc: loc, cell: cell}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[driverID] = struct{}{}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.points[driverID]; ok {
		g.dropFromCell(prev.cell, driverID)
		delete(g.points, driverID)
	}
	return nil
}

func (g *Index) dropFromCell(cell, driverID string) {
	bucket := g.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

// Query scans the centre cell and its neighbours when they are guaranteed to
// cover the radius, and falls back to a full scan otherwise.
func (g *Index) Query(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	hits := make([]Hit, 0)
	consider := func(id string, p point) {
		d := HaversineKm(center, p.loc)
		if d <= radiusKm {
			hits = append(hits, Hit{DriverID: id, Loc: p.loc, DistanceKm: d})
		}
	}

	cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, g.precision)
	if radiusKm <= cellCoverageKm(cell) {
		cells := append([]string{cell}, geohash.Neighbors(cell)...)
		for _, c := range cells {
			for id := range g.cells[c] {
				consider(id, g.points[id])
			}
		}
	} else {
		for id, p := range g.points {
			consider(id, p)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm == hits[j].DistanceKm {
			return hits[i].DriverID < hits[j].DriverID
		}
		return hits[i].DistanceKm < hits[j].DistanceKm
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len returns the number of indexed drivers.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}

// cellCoverageKm is the smallest distance from any point of the cell to the
// outer edge of its neighbour ring.
func cellCoverageKm(cell string) float64 {
	box := geohash.BoundingBox(cell)
	maxAbsLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))
	if maxAbsLat > 80 {
		return 0
	}
	height := (box.MaxLat - box.MinLat) * kmPerDegree
	width := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(maxAbsLat*math.Pi/180)
	return math.Min(height, width)
}

// HaversineKm is the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	const R = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
