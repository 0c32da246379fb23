// Package fleet simulates a fixed roster of vehicles drifting around the service area.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// PositionSink receives a copy of every position the simulator produces.
type PositionSink interface {
	RecordPosition(ctx context.Context, v models.Vehicle) error
}

type Config struct {
	Box           geo.BoundingBox
	Roster        map[models.VehicleClass]int
	MaxStepMeters float64
	Seed          uint64
}

type Simulator struct {
	mu       sync.RWMutex
	box      geo.BoundingBox
	maxStep  float64
	rng      *rand.Rand
	vehicles map[string]*models.Vehicle
	ids      []string

	sinks  []PositionSink
	logger *slog.Logger
	now    func() time.Time
}

// NewSimulator seeds every vehicle of the roster at a random point inside the box.
func NewSimulator(cfg Config, logger *slog.Logger, sinks ...PositionSink) (*Simulator, error) {
	if err := cfg.Box.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxStepMeters <= 0 {
		return nil, fmt.Errorf("%w: max step must be > 0", models.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Simulator{
		box:      cfg.Box,
		maxStep:  cfg.MaxStepMeters,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		vehicles: make(map[string]*models.Vehicle),
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
	// deterministic id order regardless of map iteration
	for _, class := range models.VehicleClasses {
		for i := 1; i <= cfg.Roster[class]; i++ {
			s.add(class, i)
		}
	}
	extra := make([]string, 0)
	for class := range cfg.Roster {
		if !known(class) {
			extra = append(extra, string(class))
		}
	}
	sort.Strings(extra)
	for _, class := range extra {
		for i := 1; i <= cfg.Roster[models.VehicleClass(class)]; i++ {
			s.add(models.VehicleClass(class), i)
		}
	}
	if len(s.ids) == 0 {
		return nil, fmt.Errorf("%w: empty fleet roster", models.ErrConfiguration)
	}
	return s, nil
}

func (s *Simulator) add(class models.VehicleClass, n int) {
	id := fmt.Sprintf("%s-%d", class, n)
	s.vehicles[id] = &models.Vehicle{ID: id, Class: class, Loc: s.box.RandomPoint(s.rng), Updated: s.now()}
	s.ids = append(s.ids, id)
}

func known(c models.VehicleClass) bool {
	for _, k := range models.VehicleClasses {
		if k == c {
			return true
		}
	}
	return false
}

// Advance nudges one vehicle by a small random step, keeping it inside the box.
func (s *Simulator) Advance(id string) (models.Coord, error) {
	v, err := s.advance(id)
	if err != nil {
		return models.Coord{}, err
	}
	s.record(context.Background(), []models.Vehicle{v})
	return v.Loc, nil
}

func (s *Simulator) advance(id string) (models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[id]
	if !ok {
		return models.Vehicle{}, fmt.Errorf("vehicle %q: %w", id, models.ErrNotFound)
	}
	v.Loc = s.box.Clamp(geo.Jitter(v.Loc, s.maxStep, s.rng))
	v.Updated = s.now()
	observability.FleetAdvances.Inc()
	return *v, nil
}

// AdvanceAll steps every vehicle once and returns the new snapshot.
func (s *Simulator) AdvanceAll(ctx context.Context) []models.Vehicle {
	s.mu.Lock()
	out := make([]models.Vehicle, 0, len(s.ids))
	for _, id := range s.ids {
		v := s.vehicles[id]
		v.Loc = s.box.Clamp(geo.Jitter(v.Loc, s.maxStep, s.rng))
		v.Updated = s.now()
		out = append(out, *v)
	}
	s.mu.Unlock()
	observability.FleetAdvances.Add(float64(len(out)))
	s.record(ctx, out)
	return out
}

func (s *Simulator) record(ctx context.Context, vs []models.Vehicle) {
	for _, sink := range s.sinks {
		for _, v := range vs {
			if err := sink.RecordPosition(ctx, v); err != nil {
				s.logger.Warn("position sink failed", "vehicle_id", v.ID, "error", err)
				break
			}
		}
	}
}

// Run advances the whole fleet every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.AdvanceAll(ctx)
		}
	}
}

func (s *Simulator) PositionOf(id string) (models.Coord, error) {
	v, err := s.Vehicle(id)
	return v.Loc, err
}

func (s *Simulator) Vehicle(id string) (models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return models.Vehicle{}, fmt.Errorf("vehicle %q: %w", id, models.ErrNotFound)
	}
	return *v, nil
}

func (s *Simulator) Vehicles() []models.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Vehicle, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, *s.vehicles[id])
	}
	return out
}

func (s *Simulator) Box() geo.BoundingBox { return s.box }

// Nearby returns up to limit vehicles ordered by distance from c.
func (s *Simulator) Nearby(_ context.Context, c models.Coord, limit int) ([]models.Vehicle, error) {
	type pair struct {
		v    models.Vehicle
		dist float64
	}
	vs := s.Vehicles()
	arr := make([]pair, 0, len(vs))
	for _, v := range vs {
		arr = append(arr, pair{v, geo.Haversine(c.Lat, c.Lon, v.Loc.Lat, v.Loc.Lon)})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]models.Vehicle, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, arr[i].v)
	}
	return out, nil
}
