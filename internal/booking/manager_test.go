package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup = models.Coord{Lat: 3.1200, Lon: 101.6500}
	dest   = models.Coord{Lat: 3.1300, Lon: 101.6600}
	clock  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []models.BookingEvent
}

func (r *recorder) Notify(evt models.BookingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type failingStore struct{ *storage.MemoryStore }

func (f failingStore) UpdateBooking(context.Context, *models.Booking, models.BookingStatus) error {
	return errors.New("disk on fire")
}

type fixture struct {
	m      *Manager
	dir    *storage.Principals
	events *recorder
	calc   *eta.Calculator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	calc, err := eta.NewCalculator(map[models.VehicleClass]float64{models.ClassCar: 50, models.ClassTaxi: 45}, 30,
		eta.Rates{BaseFee: 5, PerKm: 2, PerMinute: 0.5})
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	dir := storage.NewPrincipals()
	ctx := context.Background()
	for _, id := range []string{"rider-1", "rider-2", "walker"} {
		if _, err := dir.Register(ctx, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("driver-%d", i)
		_, _ = dir.Register(ctx, id)
		if _, err := dir.SetDriverProfile(ctx, id, models.DriverProfile{LicenseNumber: "L" + id}); err != nil {
			t.Fatalf("profile: %v", err)
		}
	}
	rec := &recorder{}
	all := append([]Option{WithNotifiers(rec), WithClock(func() time.Time { return clock })}, opts...)
	return &fixture{m: NewManager(calc, dir, all...), dir: dir, events: rec, calc: calc}
}

func (f *fixture) create(t *testing.T, rider string) models.Booking {
	t.Helper()
	b, err := f.m.Create(context.Background(), CreateRequest{RiderID: rider, Pickup: pickup, Destination: dest, Passengers: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func TestCreatePricesWithFormula(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, "rider-1")

	dist := geo.DistanceKm(pickup, dest)
	mins := dist / 50 * 60
	if b.DistanceKm != dist || b.ETAMinutes != mins {
		t.Fatalf("distance/eta %v/%v, want %v/%v", b.DistanceKm, b.ETAMinutes, dist, mins)
	}
	if want := 5 + dist*2 + mins*0.5; b.Fare != want {
		t.Fatalf("fare %v, want %v", b.Fare, want)
	}
	if b.Status != models.StatusPending || b.DriverID != "" || b.ID != 1 || b.VehicleClass != models.ClassCar {
		t.Fatalf("unexpected booking %+v", b)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != models.EventCreated {
		t.Fatalf("events %v", got)
	}
	if f.events.events[0].Booking == nil {
		t.Fatalf("created event should carry the booking")
	}
	if second := f.create(t, "rider-2"); second.ID != 2 {
		t.Fatalf("ids not monotonic: %d", second.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	past := clock.Add(-time.Minute)
	exact := clock
	future := clock.Add(time.Hour).In(time.FixedZone("MYT", 8*3600))
	cases := []struct {
		name string
		req  CreateRequest
		ok   bool
	}{
		{"zero passengers", CreateRequest{RiderID: "rider-1", Pickup: pickup, Destination: dest}, false},
		{"negative passengers", CreateRequest{RiderID: "rider-1", Pickup: pickup, Destination: dest, Passengers: -1}, false},
		{"no rider", CreateRequest{Pickup: pickup, Destination: dest, Passengers: 1}, false},
		{"bad pickup", CreateRequest{RiderID: "rider-1", Pickup: models.Coord{Lat: 95}, Destination: dest, Passengers: 1}, false},
		{"past schedule", CreateRequest{RiderID: "rider-1", Pickup: pickup, Destination: dest, Passengers: 1, ScheduledAt: &past}, false},
		{"now schedule", CreateRequest{RiderID: "rider-1", Pickup: pickup, Destination: dest, Passengers: 1, ScheduledAt: &exact}, false},
		{"future schedule", CreateRequest{RiderID: "rider-1", Pickup: pickup, Destination: dest, Passengers: 1, ScheduledAt: &future}, true},
	}
	for _, tc := range cases {
		b, err := f.m.Create(context.Background(), tc.req)
		if tc.ok {
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if b.ScheduledAt == nil || b.ScheduledAt.Location() != time.UTC {
				t.Fatalf("%s: scheduled time not normalised to UTC: %v", tc.name, b.ScheduledAt)
			}
			continue
		}
		if !errors.Is(err, models.ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", tc.name, err)
		}
	}
	if got := f.events.types(); len(got) != 1 {
		t.Fatalf("rejected requests must not emit events: %v", got)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, "rider-1")

	const n = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make(chan error, n)
		winners = make(chan string, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		driver := fmt.Sprintf("driver-%d", i)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.m.Claim(context.Background(), driver, b.ID)
			if err == nil {
				winners <- driver
			}
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(winners)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, models.ErrAlreadyClaimed):
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 || lost != n-1 {
		t.Fatalf("won=%d lost=%d", won, lost)
	}
	winner := <-winners
	got, _ := f.m.Get(context.Background(), b.ID)
	if got.Status != models.StatusAccepted || got.DriverID != winner {
		t.Fatalf("booking %+v, winner %s", got, winner)
	}
}

func TestClaimErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "rider-1")

	if _, err := f.m.Claim(ctx, "walker", b.ID); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("no profile: %v", err)
	}
	if _, err := f.m.Claim(ctx, "stranger", b.ID); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("unknown principal: %v", err)
	}
	if _, err := f.m.Claim(ctx, "driver-1", 999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown booking: %v", err)
	}
	if _, err := f.m.Claim(ctx, "driver-1", b.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := f.m.Claim(ctx, "driver-1", b.ID)
	if !errors.Is(err, models.ErrAlreadyClaimed) || !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("re-claim: %v", err)
	}
}

// drive moves a fresh booking into the requested status.
func drive(t *testing.T, f *fixture, to models.BookingStatus) models.Booking {
	t.Helper()
	ctx := context.Background()
	b := f.create(t, "rider-1")
	var err error
	switch to {
	case models.StatusPending:
		return b
	case models.StatusAccepted:
		b, err = f.m.Claim(ctx, "driver-1", b.ID)
	case models.StatusRejected:
		b, err = f.m.Reject(ctx, "driver-1", b.ID)
	case models.StatusCanceled:
		b, err = f.m.Cancel(ctx, "rider-1", b.ID)
	case models.StatusCompleted:
		if b, err = f.m.Claim(ctx, "driver-1", b.ID); err == nil {
			b, err = f.m.Complete(ctx, "driver-1", b.ID)
		}
	}
	if err != nil {
		t.Fatalf("drive to %s: %v", to, err)
	}
	return b
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	type op struct {
		name   string
		target models.BookingStatus
		run    func(m *Manager, id int64) (models.Booking, error)
	}
	ops := []op{
		{"claim", models.StatusAccepted, func(m *Manager, id int64) (models.Booking, error) { return m.Claim(ctx, "driver-2", id) }},
		{"reject", models.StatusRejected, func(m *Manager, id int64) (models.Booking, error) { return m.Reject(ctx, "driver-1", id) }},
		{"cancel", models.StatusCanceled, func(m *Manager, id int64) (models.Booking, error) { return m.Cancel(ctx, "rider-1", id) }},
		{"complete", models.StatusCompleted, func(m *Manager, id int64) (models.Booking, error) { return m.Complete(ctx, "driver-1", id) }},
	}
	from := []models.BookingStatus{models.StatusPending, models.StatusAccepted, models.StatusRejected, models.StatusCanceled, models.StatusCompleted}
	for _, s := range from {
		for _, o := range ops {
			f := newFixture(t)
			b := drive(t, f, s)
			got, err := o.run(f.m, b.ID)
			legal := models.CanTransition(s, o.target)
			if legal {
				if err != nil {
					t.Fatalf("%s from %s: %v", o.name, s, err)
				}
				if got.Status != o.target {
					t.Fatalf("%s from %s ended in %s", o.name, s, got.Status)
				}
			} else {
				if !errors.Is(err, models.ErrInvalidTransition) {
					t.Fatalf("%s from %s: expected invalid transition, got %v", o.name, s, err)
				}
				after, _ := f.m.Get(ctx, b.ID)
				if after.Status != s {
					t.Fatalf("%s from %s changed status to %s", o.name, s, after.Status)
				}
			}
			after, _ := f.m.Get(ctx, b.ID)
			hasDriver := after.DriverID != ""
			wantDriver := after.Status == models.StatusAccepted || after.Status == models.StatusCompleted
			if hasDriver != wantDriver {
				t.Fatalf("%s from %s: driver invariant broken: %+v", o.name, s, after)
			}
		}
	}
}

func TestRiderCancelsCompletedBooking(t *testing.T) {
	f := newFixture(t)
	b := drive(t, f, models.StatusCompleted)
	if _, err := f.m.Cancel(context.Background(), "rider-1", b.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := drive(t, f, models.StatusAccepted)

	if _, err := f.m.Cancel(ctx, "rider-2", b.ID); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("stranger cancel: %v", err)
	}
	got, err := f.m.Cancel(ctx, "driver-1", b.ID)
	if err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	if got.DriverID != "" || got.CanceledBy != "driver-1" {
		t.Fatalf("canceled booking %+v", got)
	}
	if _, err := f.m.Cancel(ctx, "driver-1", b.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("second cancel by driver: %v", err)
	}
	if _, err := f.m.Cancel(ctx, "rider-1", b.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("second cancel by rider: %v", err)
	}
	last := f.events.events[len(f.events.events)-1]
	if last.Type != models.EventCanceled || last.DriverID != "driver-1" || last.OldStatus != models.StatusAccepted {
		t.Fatalf("cancel event %+v", last)
	}
}

func TestCompleteRequiresClaimingDriver(t *testing.T) {
	f := newFixture(t)
	b := drive(t, f, models.StatusAccepted)
	if _, err := f.m.Complete(context.Background(), "driver-2", b.ID); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("other driver complete: %v", err)
	}
}

func TestRejectRequiresDriverProfile(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, "rider-1")
	if _, err := f.m.Reject(context.Background(), "walker", b.ID); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("reject without profile: %v", err)
	}
}

func TestModifyRecomputesFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "rider-1")

	got, err := f.m.Modify(ctx, "rider-1", b.ID, ModifyRequest{DistanceKm: 4.2, DurationMinutes: 11})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	want := 5 + 4.2*2 + 11*0.5
	if got.Fare != want || got.DistanceKm != 4.2 || got.ETAMinutes != 11 {
		t.Fatalf("modified %+v, want fare %v", got, want)
	}
	again, _ := f.m.Modify(ctx, "rider-1", b.ID, ModifyRequest{DistanceKm: 4.2, DurationMinutes: 11})
	if again.Fare != got.Fare {
		t.Fatalf("fare not idempotent: %v vs %v", again.Fare, got.Fare)
	}
	if f.calc.Fare(4.2, 11) != got.Fare {
		t.Fatalf("modify diverged from creation formula")
	}

	if _, err := f.m.Modify(ctx, "rider-2", b.ID, ModifyRequest{DistanceKm: 1}); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("foreign modify: %v", err)
	}
	if _, err := f.m.Modify(ctx, "rider-1", b.ID, ModifyRequest{DistanceKm: -1}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("negative distance: %v", err)
	}
	if _, err := f.m.Claim(ctx, "driver-1", b.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.m.Modify(ctx, "rider-1", b.ID, ModifyRequest{DistanceKm: 1, DurationMinutes: 1}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("modify accepted booking: %v", err)
	}
}

func TestListFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.create(t, "rider-1")
	mine := drive(t, f, models.StatusAccepted) // claimed by driver-1
	other := f.create(t, "rider-2")
	if _, err := f.m.Claim(ctx, "driver-2", other.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done := drive(t, f, models.StatusCompleted) // driver-1

	riderView, err := f.m.ListFor(ctx, "rider-1", models.RoleRider, nil)
	if err != nil {
		t.Fatalf("rider list: %v", err)
	}
	if ids(riderView) != fmt.Sprint([]int64{open.ID, mine.ID, done.ID}) {
		t.Fatalf("rider sees %v", ids(riderView))
	}

	driverView, err := f.m.ListFor(ctx, "driver-1", models.RoleDriver, nil)
	if err != nil {
		t.Fatalf("driver list: %v", err)
	}
	if ids(driverView) != fmt.Sprint([]int64{open.ID, mine.ID}) {
		t.Fatalf("driver sees %v", ids(driverView))
	}

	completed := models.StatusCompleted
	history, err := f.m.ListFor(ctx, "driver-1", models.RoleDriver, &completed)
	if err != nil || ids(history) != fmt.Sprint([]int64{done.ID}) {
		t.Fatalf("driver history %v %v", ids(history), err)
	}

	pending := models.StatusPending
	riderPending, _ := f.m.ListFor(ctx, "rider-1", models.RoleRider, &pending)
	if ids(riderPending) != fmt.Sprint([]int64{open.ID}) {
		t.Fatalf("rider pending %v", ids(riderPending))
	}

	if _, err := f.m.ListFor(ctx, "walker", models.RoleDriver, nil); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("walker as driver: %v", err)
	}
	if _, err := f.m.ListFor(ctx, "rider-1", models.Role("admin"), nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("bad role: %v", err)
	}
	bogus := models.BookingStatus("lost")
	if _, err := f.m.ListFor(ctx, "rider-1", models.RoleRider, &bogus); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("bad status: %v", err)
	}
}

func ids(bs []models.Booking) string {
	out := make([]int64, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.ID)
	}
	return fmt.Sprint(out)
}

func TestStoreFailureLeavesBookingUnchanged(t *testing.T) {
	f := newFixture(t, WithStore(failingStore{storage.NewMemoryStore()}))
	ctx := context.Background()
	b := f.create(t, "rider-1")
	if _, err := f.m.Claim(ctx, "driver-1", b.ID); err == nil {
		t.Fatalf("expected store error")
	}
	got, _ := f.m.Get(ctx, b.ID)
	if got.Status != models.StatusPending || got.DriverID != "" {
		t.Fatalf("booking changed despite store failure: %+v", got)
	}
	if n := len(f.events.types()); n != 1 {
		t.Fatalf("failed transition emitted events: %v", f.events.types())
	}
}

func TestEventsFollowTransitions(t *testing.T) {
	f := newFixture(t)
	b := drive(t, f, models.StatusCompleted)
	want := []models.EventType{models.EventCreated, models.EventAccepted, models.EventCompleted}
	if got := f.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	last := f.events.events[2]
	if last.BookingID != b.ID || last.OldStatus != models.StatusAccepted || last.NewStatus != models.StatusCompleted || last.Timestamp.IsZero() {
		t.Fatalf("completed event %+v", last)
	}
}
