package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// ratingWeight converts one missing rating star into seconds of ETA.
const ratingWeight = 30.0

// rank orders candidates by cost = eta + ratingWeight*(5 - rating), ties by
// distance.
func (e *Engine) rank(ctx context.Context, pickup models.Coord, cands []models.Candidate) []models.Candidate {
	if len(cands) < 2 {
		return cands
	}
	type scored struct {
		c    models.Candidate
		cost float64
	}
	list := make([]scored, len(cands))
	for i, c := range cands {
		etaSec := e.eta.Estimate(ctx, c.Driver.Loc, pickup, c.Driver.SpeedMps)
		list[i] = scored{c: c, cost: etaSec + ratingWeight*(5.0-c.Driver.Rating)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].cost != list[j].cost {
			return list[i].cost < list[j].cost
		}
		return list[i].c.DistanceKm < list[j].c.DistanceKm
	})
	out := make([]models.Candidate, len(list))
	for i, s := range list {
		out[i] = s.c
	}
	return out
}
