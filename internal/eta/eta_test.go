package eta

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var testSpeeds = map[models.VehicleClass]float64{
	models.ClassCar:  50,
	models.ClassBike: 15,
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(testSpeeds, 30, Rates{BaseFee: 5, PerKm: 2, PerMinute: 0.5})
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	return c
}

func TestETAUsesClassSpeed(t *testing.T) {
	c := newCalc(t)
	m, err := c.ETAMinutes(25, models.ClassCar)
	if err != nil || m != 30 {
		t.Fatalf("car: got %v, %v", m, err)
	}
	m, err = c.ETAMinutes(15, models.ClassBike)
	if err != nil || m != 60 {
		t.Fatalf("bike: got %v, %v", m, err)
	}
}

func TestETAFallsBackForUnknownClass(t *testing.T) {
	c := newCalc(t)
	m, err := c.ETAMinutes(15, models.VehicleClass("hovercraft"))
	if err != nil || m != 30 {
		t.Fatalf("got %v, %v", m, err)
	}
}

func TestNonPositiveSpeedIsConfigurationError(t *testing.T) {
	_, err := NewCalculator(map[models.VehicleClass]float64{models.ClassBus: 0}, 30, Rates{})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("zero speed: %v", err)
	}
	_, err = NewCalculator(testSpeeds, -1, Rates{})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("negative fallback: %v", err)
	}
	_, err = NewCalculator(testSpeeds, 30, Rates{PerKm: -2})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("negative rate: %v", err)
	}
}

func TestNonFiniteTablesAreConfigurationErrors(t *testing.T) {
	inf, nan := math.Inf(1), math.NaN()
	cases := []struct {
		name     string
		speeds   map[models.VehicleClass]float64
		fallback float64
		rates    Rates
	}{
		{"inf speed", map[models.VehicleClass]float64{models.ClassCar: inf}, 30, Rates{}},
		{"nan speed", map[models.VehicleClass]float64{models.ClassCar: nan}, 30, Rates{}},
		{"inf fallback", testSpeeds, inf, Rates{}},
		{"nan per km", testSpeeds, 30, Rates{PerKm: nan}},
		{"inf base fee", testSpeeds, 30, Rates{BaseFee: inf}},
		{"-inf per minute", testSpeeds, 30, Rates{PerMinute: math.Inf(-1)}},
	}
	for _, tc := range cases {
		if _, err := NewCalculator(tc.speeds, tc.fallback, tc.rates); !errors.Is(err, models.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", tc.name, err)
		}
	}
}

func TestQuoteMatchesFormulaExactly(t *testing.T) {
	c := newCalc(t)
	pickup := models.Coord{Lat: 3.1200, Lon: 101.6500}
	dest := models.Coord{Lat: 3.1300, Lon: 101.6600}
	q, err := c.Quote(pickup, dest, models.ClassCar)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	dist := geo.DistanceKm(pickup, dest)
	mins := dist / 50 * 60
	if q.DistanceKm != dist || q.ETAMinutes != mins {
		t.Fatalf("quote distance/eta %v/%v, want %v/%v", q.DistanceKm, q.ETAMinutes, dist, mins)
	}
	if want := 5 + dist*2 + mins*0.5; q.Fare != want {
		t.Fatalf("fare %v, want %v", q.Fare, want)
	}
	if again, _ := c.Quote(pickup, dest, models.ClassCar); again != q {
		t.Fatalf("quote not idempotent: %v vs %v", again, q)
	}
}

type fakeFleet map[string]models.Vehicle

func (f fakeFleet) Vehicle(id string) (models.Vehicle, error) {
	v, ok := f[id]
	if !ok {
		return models.Vehicle{}, models.ErrNotFound
	}
	return v, nil
}

func TestVehicleETA(t *testing.T) {
	fleet := fakeFleet{"bike-1": {ID: "bike-1", Class: models.ClassBike, Loc: models.Coord{Lat: 3.12, Lon: 101.65}}}
	cache := NewCache(time.Minute)
	s := &Service{Calc: newCalc(t), Fleet: fleet, Cache: cache}
	dest := models.Coord{Lat: 3.13, Lon: 101.66}

	m, err := s.VehicleETA("bike-1", dest)
	if err != nil {
		t.Fatalf("eta: %v", err)
	}
	if want := geo.DistanceKm(fleet["bike-1"].Loc, dest) / 15 * 60; m != want {
		t.Fatalf("eta %v, want %v", m, want)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected cached entry")
	}
	if _, err := s.VehicleETA("ghost", dest); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown vehicle: %v", err)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	v := models.Vehicle{ID: "car-1", Loc: models.Coord{Lat: 1, Lon: 1}}
	dest := models.Coord{Lat: 2, Lon: 2}
	c.Set(v, dest, 12)
	if got, ok := c.Get(v, dest); !ok || got != 12 {
		t.Fatalf("fresh get: %v %v", got, ok)
	}
	moved := v
	moved.Loc.Lat += 0.001
	if _, ok := c.Get(moved, dest); ok {
		t.Fatalf("moved vehicle must miss the cache")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(v, dest); ok {
		t.Fatalf("expected expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted")
	}
}
