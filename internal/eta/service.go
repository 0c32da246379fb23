package eta

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Fleet is the subset of the simulator the ETA service reads from.
type Fleet interface {
	Vehicle(id string) (models.Vehicle, error)
}

// Service answers "how long until vehicle X reaches point Y" using live positions.
type Service struct {
	Calc  *Calculator
	Fleet Fleet
	Cache *Cache // optional
}

func (s *Service) VehicleETA(vehicleID string, dest models.Coord) (float64, error) {
	v, err := s.Fleet.Vehicle(vehicleID)
	if err != nil {
		return 0, err
	}
	if s.Cache != nil {
		if m, ok := s.Cache.Get(v, dest); ok {
			return m, nil
		}
	}
	m, err := s.Calc.ETAMinutes(geo.DistanceKm(v.Loc, dest), v.Class)
	if err != nil {
		return 0, err
	}
	if s.Cache != nil {
		s.Cache.Set(v, dest, m)
	}
	return m, nil
}
