// Package matcher ranks vehicles near a pickup by how soon they can get there.
// It never assigns anything: drivers still claim bookings themselves.
package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, c models.Coord, limit int) ([]models.Vehicle, error)
}

type Candidate struct {
	Vehicle    models.Vehicle `json:"vehicle"`
	DistanceKm float64        `json:"distance_km"`
	ETAMinutes float64        `json:"eta_minutes"`
}

type Service struct {
	Geo      Geo
	Calc     *eta.Calculator
	ETACache *eta.Cache // optional
	TopN     int
	// SameClass drops vehicles whose class differs from the booking's.
	SameClass bool
}

// Rank returns up to TopN candidates for b's pickup, fastest first. Ties go to the
// closer vehicle, then to the lower id.
func (s *Service) Rank(ctx context.Context, b models.Booking) ([]Candidate, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	// over-fetch so class filtering still leaves enough
	limit := topN
	if s.SameClass {
		limit *= len(models.VehicleClasses)
	}
	cands, err := s.Geo.Nearby(ctx, b.Pickup, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(cands))
	for _, v := range cands {
		if s.SameClass && b.VehicleClass != "" && v.Class != b.VehicleClass {
			continue
		}
		mins, ok := 0.0, false
		if s.ETACache != nil {
			mins, ok = s.ETACache.Get(v, b.Pickup)
		}
		dist := geo.DistanceKm(v.Loc, b.Pickup)
		if !ok {
			if mins, err = s.Calc.ETAMinutes(dist, v.Class); err != nil {
				return nil, err
			}
			if s.ETACache != nil {
				s.ETACache.Set(v, b.Pickup, mins)
			}
		}
		out = append(out, Candidate{Vehicle: v, DistanceKm: dist, ETAMinutes: mins})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETAMinutes != out[j].ETAMinutes {
			return out[i].ETAMinutes < out[j].ETAMinutes
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Vehicle.ID < out[j].Vehicle.ID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	observability.CandidateLookups.Inc()
	return out, nil
}
