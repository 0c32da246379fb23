package eta

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rates is the linear fare table.
type Rates struct {
	BaseFee   float64 `json:"base_fee"`
	PerKm     float64 `json:"per_km"`
	PerMinute float64 `json:"per_minute"`
}

// Quote is the priced estimate for a single trip.
type Quote struct {
	DistanceKm float64             `json:"distance_km"`
	ETAMinutes float64             `json:"eta_minutes"`
	Fare       float64             `json:"fare"`
	Class      models.VehicleClass `json:"vehicle_class"`
}

// Calculator turns distances into fares and arrival times.
// It is immutable after construction and safe for concurrent use.
type Calculator struct {
	speeds   map[models.VehicleClass]float64
	fallback float64
	rates    Rates
}

// NewCalculator rejects any non-positive speed and negative rate up front so a bad
// table fails at startup instead of producing nonsense fares.
func NewCalculator(speeds map[models.VehicleClass]float64, fallbackKmh float64, rates Rates) (*Calculator, error) {
	if !validSpeed(fallbackKmh) {
		return nil, fmt.Errorf("%w: fallback speed must be > 0, got %v", models.ErrConfiguration, fallbackKmh)
	}
	cp := make(map[models.VehicleClass]float64, len(speeds))
	for class, kmh := range speeds {
		if !validSpeed(kmh) {
			return nil, fmt.Errorf("%w: speed for %q must be > 0, got %v", models.ErrConfiguration, class, kmh)
		}
		cp[class] = kmh
	}
	if !rates.Valid() {
		return nil, fmt.Errorf("%w: fare rates must be finite and >= 0, got %+v", models.ErrConfiguration, rates)
	}
	return &Calculator{speeds: cp, fallback: fallbackKmh, rates: rates}, nil
}

func validSpeed(kmh float64) bool { return kmh > 0 && !math.IsInf(kmh, 0) }

// Valid reports whether every rate is finite and non-negative.
func (r Rates) Valid() bool {
	for _, v := range []float64{r.BaseFee, r.PerKm, r.PerMinute} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (c *Calculator) Rates() Rates { return c.rates }

// SpeedFor returns the average speed in km/h for class, or the fallback speed.
func (c *Calculator) SpeedFor(class models.VehicleClass) (float64, error) {
	kmh, ok := c.speeds[class]
	if !ok {
		kmh = c.fallback
	}
	if kmh <= 0 {
		return 0, fmt.Errorf("%w: speed for %q is %v", models.ErrConfiguration, class, kmh)
	}
	return kmh, nil
}

func (c *Calculator) ETAMinutes(distanceKm float64, class models.VehicleClass) (float64, error) {
	kmh, err := c.SpeedFor(class)
	if err != nil {
		return 0, err
	}
	return distanceKm / kmh * 60, nil
}

// Fare applies base + distance*perKm + duration*perMinute.
func (c *Calculator) Fare(distanceKm, durationMinutes float64) float64 {
	return c.rates.BaseFee + distanceKm*c.rates.PerKm + durationMinutes*c.rates.PerMinute
}

func (c *Calculator) Quote(pickup, destination models.Coord, class models.VehicleClass) (Quote, error) {
	dist := geo.DistanceKm(pickup, destination)
	mins, err := c.ETAMinutes(dist, class)
	if err != nil {
		return Quote{}, err
	}
	return Quote{DistanceKm: dist, ETAMinutes: mins, Fare: c.Fare(dist, mins), Class: class}, nil
}
