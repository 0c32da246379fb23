package geo

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		a := models.Coord{Lat: r.Float64()*180 - 90, Lon: r.Float64()*360 - 180}
		b := models.Coord{Lat: r.Float64()*180 - 90, Lon: r.Float64()*360 - 180}
		if ab, ba := DistanceKm(a, b), DistanceKm(b, a); math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric distance %v vs %v for %v %v", ab, ba, a, b)
		}
		if d := DistanceKm(a, a); d != 0 {
			t.Fatalf("distance to self = %v", d)
		}
	}
}

func TestDistanceKualaLumpurHop(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 3.12, Lon: 101.65}, models.Coord{Lat: 3.13, Lon: 101.66})
	if d < 1.5 || d > 1.6 {
		t.Fatalf("expected ~1.57km, got %f", d)
	}
}

func TestBoundingBoxValidate(t *testing.T) {
	cases := []struct {
		name string
		box  BoundingBox
		ok   bool
	}{
		{"ok", BoundingBox{MinLat: 3, MaxLat: 3.3, MinLon: 101.5, MaxLon: 101.8}, true},
		{"inverted", BoundingBox{MinLat: 3.3, MaxLat: 3, MinLon: 101.5, MaxLon: 101.8}, false},
		{"flat", BoundingBox{MinLat: 3, MaxLat: 3, MinLon: 101.5, MaxLon: 101.8}, false},
		{"out of range", BoundingBox{MinLat: -91, MaxLat: 3, MinLon: 101.5, MaxLon: 101.8}, false},
	}
	for _, tc := range cases {
		err := tc.box.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: got err=%v", tc.name, err)
		}
	}
}

func TestClampAndRandomPoint(t *testing.T) {
	box := BoundingBox{MinLat: 3, MaxLat: 3.3, MinLon: 101.5, MaxLon: 101.8}
	if got := box.Clamp(models.Coord{Lat: 4, Lon: 100}); got != (models.Coord{Lat: 3.3, Lon: 101.5}) {
		t.Fatalf("clamp got %v", got)
	}
	inside := models.Coord{Lat: 3.1, Lon: 101.6}
	if got := box.Clamp(inside); got != inside {
		t.Fatalf("clamp moved an inside point: %v", got)
	}
	r := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1000; i++ {
		if p := box.RandomPoint(r); !box.Contains(p) {
			t.Fatalf("random point outside box: %v", p)
		}
	}
}

func TestJitterBounded(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	start := models.Coord{Lat: 3.1, Lon: 101.6}
	for i := 0; i < 1000; i++ {
		p := Jitter(start, 30, r)
		// per-axis bound of 30m gives at most ~42.5m on the diagonal
		if d := Haversine(start.Lat, start.Lon, p.Lat, p.Lon); d > 43 {
			t.Fatalf("jitter moved %fm", d)
		}
	}
}
