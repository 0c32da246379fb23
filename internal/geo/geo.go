package geo

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// metres per degree of latitude on the same sphere Haversine uses
const metersPerDegLat = earthRadiusM * math.Pi / 180

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is the great-circle distance between a and b in kilometres.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// BoundingBox is the rectangular service area vehicles must stay inside.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

func (b BoundingBox) Validate() error {
	lo := models.Coord{Lat: b.MinLat, Lon: b.MinLon}
	hi := models.Coord{Lat: b.MaxLat, Lon: b.MaxLon}
	if !lo.Valid() || !hi.Valid() {
		return fmt.Errorf("%w: bounding box corners out of range", models.ErrConfiguration)
	}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("%w: bounding box min must be below max", models.ErrConfiguration)
	}
	return nil
}

func (b BoundingBox) Contains(c models.Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Clamp pulls c back onto the nearest point inside the box.
func (b BoundingBox) Clamp(c models.Coord) models.Coord {
	return models.Coord{
		Lat: math.Min(math.Max(c.Lat, b.MinLat), b.MaxLat),
		Lon: math.Min(math.Max(c.Lon, b.MinLon), b.MaxLon),
	}
}

// RandomPoint draws a uniformly distributed point inside the box.
func (b BoundingBox) RandomPoint(r *rand.Rand) models.Coord {
	return models.Coord{
		Lat: b.MinLat + r.Float64()*(b.MaxLat-b.MinLat),
		Lon: b.MinLon + r.Float64()*(b.MaxLon-b.MinLon),
	}
}

// Jitter moves c by a uniform offset of at most maxMeters along each axis.
// The result is not clamped.
func Jitter(c models.Coord, maxMeters float64, r *rand.Rand) models.Coord {
	dLat := (r.Float64()*2 - 1) * maxMeters / metersPerDegLat
	lonScale := metersPerDegLat * math.Cos(c.Lat*math.Pi/180)
	if lonScale < 1 {
		// near the poles a metre is a huge number of degrees of longitude
		lonScale = 1
	}
	dLon := (r.Float64()*2 - 1) * maxMeters / lonScale
	return models.Coord{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}
