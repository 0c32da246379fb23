// Package booking owns the booking state machine and the driver claim protocol.
//
// Every mutation of a booking runs under that booking's own mutex, so a claim,
// cancel, reject, complete or modify on the same id is serialised while operations
// on different ids never contend. Readers load an immutable snapshot and never block
// writers.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Directory resolves principals supplied by the identity provider.
type Directory interface {
	Principal(ctx context.Context, id string) (models.Principal, error)
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(evt models.BookingEvent)
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[models.Booking]
}

type Manager struct {
	calc         *eta.Calculator
	dir          Directory
	store        storage.BookingStore
	notifiers    []Notifier
	defaultClass models.VehicleClass
	logger       *slog.Logger
	now          func() time.Time

	lastID atomic.Int64

	mu      sync.RWMutex
	entries map[int64]*entry
}

type Option func(*Manager)

func WithStore(s storage.BookingStore) Option { return func(m *Manager) { m.store = s } }

func WithNotifiers(n ...Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n...) }
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithDefaultClass(c models.VehicleClass) Option { return func(m *Manager) { m.defaultClass = c } }

// WithStartID makes the next assigned id start+1.
func WithStartID(start int64) Option { return func(m *Manager) { m.lastID.Store(start) } }

func NewManager(calc *eta.Calculator, dir Directory, opts ...Option) *Manager {
	m := &Manager{
		calc:         calc,
		dir:          dir,
		store:        storage.NewMemoryStore(),
		defaultClass: models.ClassCar,
		logger:       slog.Default(),
		now:          time.Now,
		entries:      make(map[int64]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type CreateRequest struct {
	RiderID      string
	Pickup       models.Coord
	Destination  models.Coord
	Passengers   int
	VehicleClass models.VehicleClass
	ScheduledAt  *time.Time
}

func (r CreateRequest) validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.RiderID) == "":
		return fmt.Errorf("%w: rider id required", models.ErrInvalidRequest)
	case !r.Pickup.Valid():
		return fmt.Errorf("%w: pickup out of range", models.ErrInvalidRequest)
	case !r.Destination.Valid():
		return fmt.Errorf("%w: destination out of range", models.ErrInvalidRequest)
	case r.Passengers < 1:
		return fmt.Errorf("%w: passengers must be >= 1, got %d", models.ErrInvalidRequest, r.Passengers)
	case r.ScheduledAt != nil && !r.ScheduledAt.UTC().After(now.UTC()):
		return fmt.Errorf("%w: scheduled time must be in the future", models.ErrInvalidRequest)
	}
	return nil
}

// Create prices a ride request and stores it as a pending booking.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (models.Booking, error) {
	now := m.now()
	if err := req.validate(now); err != nil {
		return models.Booking{}, err
	}
	class := req.VehicleClass
	if class == "" {
		class = m.defaultClass
	}
	q, err := m.calc.Quote(req.Pickup, req.Destination, class)
	if err != nil {
		return models.Booking{}, err
	}
	b := &models.Booking{
		ID:           m.lastID.Add(1),
		RiderID:      req.RiderID,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		Passengers:   req.Passengers,
		VehicleClass: class,
		DistanceKm:   q.DistanceKm,
		Fare:         q.Fare,
		ETAMinutes:   q.ETAMinutes,
		Status:       models.StatusPending,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		b.ScheduledAt = &at
	}
	if err := m.store.SaveBooking(ctx, b); err != nil {
		return models.Booking{}, fmt.Errorf("save booking: %w", err)
	}
	e := &entry{}
	e.snap.Store(b)
	e.mu.Lock()
	m.mu.Lock()
	m.entries[b.ID] = e
	m.mu.Unlock()
	m.emit(models.BookingEvent{Type: models.EventCreated, NewStatus: b.Status}, b)
	e.mu.Unlock()

	observability.BookingsCreated.Inc()
	m.logger.Info("booking created", "booking_id", b.ID, "rider_id", b.RiderID, "distance_km", b.DistanceKm, "fare", b.Fare)
	return *b, nil
}

// Claim hands a pending booking to driver. Exactly one of any number of concurrent
// claims on the same booking succeeds; the rest get models.ErrAlreadyClaimed.
func (m *Manager) Claim(ctx context.Context, driverID string, id int64) (models.Booking, error) {
	b, err := m.mutate(ctx, id, driverID, true, func(cur *models.Booking) (models.EventType, error) {
		if cur.DriverID != "" || cur.Status == models.StatusAccepted || cur.Status == models.StatusCompleted {
			return "", fmt.Errorf("booking %d: %w", id, models.ErrAlreadyClaimed)
		}
		if cur.Status != models.StatusPending {
			return "", fmt.Errorf("booking %d is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		cur.DriverID = driverID
		cur.Status = models.StatusAccepted
		return models.EventAccepted, nil
	})
	observability.ClaimAttempts.WithLabelValues(claimResult(err)).Inc()
	return b, err
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, models.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, models.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Reject marks an unclaimed pending booking as declined. Rejection is terminal:
// the booking leaves every driver's queue.
func (m *Manager) Reject(ctx context.Context, driverID string, id int64) (models.Booking, error) {
	return m.mutate(ctx, id, driverID, true, func(cur *models.Booking) (models.EventType, error) {
		if cur.Status != models.StatusPending || cur.DriverID != "" {
			return "", fmt.Errorf("booking %d is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		cur.Status = models.StatusRejected
		cur.RejectedBy = driverID
		return models.EventRejected, nil
	})
}

// Cancel may be called by the owning rider or the claiming driver.
func (m *Manager) Cancel(ctx context.Context, callerID string, id int64) (models.Booking, error) {
	return m.mutate(ctx, id, callerID, false, func(cur *models.Booking) (models.EventType, error) {
		if callerID == "" || (callerID != cur.RiderID && callerID != cur.DriverID && callerID != cur.CanceledBy) {
			return "", fmt.Errorf("%q on booking %d: %w", callerID, id, models.ErrNotAuthorized)
		}
		if !models.CanTransition(cur.Status, models.StatusCanceled) {
			return "", fmt.Errorf("booking %d is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		cur.Status = models.StatusCanceled
		cur.CanceledBy = callerID
		// a canceled booking has no assigned driver
		cur.DriverID = ""
		return models.EventCanceled, nil
	})
}

// Complete closes an accepted booking; only the claiming driver may do so.
func (m *Manager) Complete(ctx context.Context, driverID string, id int64) (models.Booking, error) {
	return m.mutate(ctx, id, driverID, false, func(cur *models.Booking) (models.EventType, error) {
		if cur.Status == models.StatusAccepted && cur.DriverID != driverID {
			return "", fmt.Errorf("%q did not claim booking %d: %w", driverID, id, models.ErrNotAuthorized)
		}
		if !models.CanTransition(cur.Status, models.StatusCompleted) {
			return "", fmt.Errorf("booking %d is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		cur.Status = models.StatusCompleted
		return models.EventCompleted, nil
	})
}

type ModifyRequest struct {
	DistanceKm      float64
	DurationMinutes float64
}

func (r ModifyRequest) validate() error {
	for _, v := range []float64{r.DistanceKm, r.DurationMinutes} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: distance and duration must be finite and >= 0", models.ErrInvalidRequest)
		}
	}
	return nil
}

// Modify reprices a pending booking from new distance and duration inputs.
func (m *Manager) Modify(ctx context.Context, riderID string, id int64, req ModifyRequest) (models.Booking, error) {
	if err := req.validate(); err != nil {
		return models.Booking{}, err
	}
	return m.mutate(ctx, id, riderID, false, func(cur *models.Booking) (models.EventType, error) {
		if cur.RiderID != riderID {
			return "", fmt.Errorf("%q does not own booking %d: %w", riderID, id, models.ErrNotAuthorized)
		}
		if cur.Status != models.StatusPending {
			return "", fmt.Errorf("booking %d is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		cur.DistanceKm = req.DistanceKm
		cur.ETAMinutes = req.DurationMinutes
		cur.Fare = m.calc.Fare(req.DistanceKm, req.DurationMinutes)
		return models.EventModified, nil
	})
}

// mutate runs fn on a private copy of the booking while holding its lock, persists
// the result and only then publishes it.
func (m *Manager) mutate(ctx context.Context, id int64, principalID string, needDriver bool, fn func(cur *models.Booking) (models.EventType, error)) (models.Booking, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Booking{}, err
	}
	if needDriver {
		if err := m.requireDriver(ctx, principalID); err != nil {
			return models.Booking{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.snap.Load()
	next := *prev
	typ, err := fn(&next)
	if err != nil {
		return *prev, err
	}
	next.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateBooking(ctx, &next, prev.Status); err != nil {
		return *prev, fmt.Errorf("update booking %d: %w", id, err)
	}
	e.snap.Store(&next)

	if next.Status != prev.Status {
		observability.BookingTransitions.WithLabelValues(string(next.Status)).Inc()
	}
	evt := models.BookingEvent{Type: typ, OldStatus: prev.Status, NewStatus: next.Status, DriverID: next.DriverID}
	if typ == models.EventCanceled {
		// the driver who held it still needs to hear about it
		evt.DriverID = prev.DriverID
	}
	if typ == models.EventRejected {
		evt.DriverID = next.RejectedBy
	}
	m.emit(evt, &next)
	m.logger.Info("booking transition", "booking_id", id, "principal_id", principalID, "event", typ, "from", prev.Status, "to", next.Status)
	return next, nil
}

func (m *Manager) requireDriver(ctx context.Context, id string) error {
	p, err := m.dir.Principal(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("unknown principal %q: %w", id, models.ErrNotAuthorized)
		}
		return err
	}
	if !p.IsDriver() {
		return fmt.Errorf("principal %q has no driver profile: %w", id, models.ErrNotAuthorized)
	}
	return nil
}

func (m *Manager) emit(evt models.BookingEvent, b *models.Booking) {
	evt.BookingID = b.ID
	evt.RiderID = b.RiderID
	evt.Timestamp = b.UpdatedAt
	if evt.Type == models.EventCreated || evt.Type == models.EventModified {
		cp := *b
		evt.Booking = &cp
	}
	for _, n := range m.notifiers {
		n.Notify(evt)
	}
}

func (m *Manager) entry(id int64) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("booking %d: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// DefaultClass is the vehicle class used to price requests that name none.
func (m *Manager) DefaultClass() models.VehicleClass { return m.defaultClass }

func (m *Manager) Get(_ context.Context, id int64) (models.Booking, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Booking{}, err
	}
	return *e.snap.Load(), nil
}

// ListFor returns the bookings principal may see in role. Riders see their own
// bookings. Drivers see open offers and their accepted rides; an explicit status
// filter also surfaces their own bookings in that status.
func (m *Manager) ListFor(ctx context.Context, principalID string, role models.Role, status *models.BookingStatus) ([]models.Booking, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidRequest, *status)
	}
	var visible func(b *models.Booking) bool
	switch role {
	case models.RoleRider:
		visible = func(b *models.Booking) bool { return b.RiderID == principalID }
	case models.RoleDriver:
		if err := m.requireDriver(ctx, principalID); err != nil {
			return nil, err
		}
		visible = func(b *models.Booking) bool {
			if b.Status == models.StatusPending && b.DriverID == "" {
				return true
			}
			if status != nil {
				return b.DriverID == principalID || b.RejectedBy == principalID || b.CanceledBy == principalID
			}
			return b.DriverID == principalID && b.Status == models.StatusAccepted
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrInvalidRequest, role)
	}

	m.mu.RLock()
	snaps := make([]*models.Booking, 0, len(m.entries))
	for _, e := range m.entries {
		snaps = append(snaps, e.snap.Load())
	}
	m.mu.RUnlock()

	out := make([]models.Booking, 0)
	for _, b := range snaps {
		if status != nil && b.Status != *status {
			continue
		}
		if visible(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
