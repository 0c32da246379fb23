package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Nearby finds vehicles close to a point; satisfied by the simulator and by the Redis mirror.
type Nearby interface {
	Nearby(ctx context.Context, c models.Coord, limit int) ([]models.Vehicle, error)
}

type Deps struct {
	Bookings   *booking.Manager
	Principals *storage.Principals
	Fleet      *fleet.Simulator
	Calc       *eta.Calculator
	ETA        *eta.Service
	Hub        *dispatch.Hub
	Nearby     Nearby           // defaults to Fleet
	Matcher    *matcher.Service // defaults to ranking over Nearby
	// ReadyChecks run on /ready; any error makes the instance unready.
	ReadyChecks []func(context.Context) error
}

type Server struct {
	Deps

	// sessions end when baseCtx is canceled
	baseCtx   context.Context
	jwtSecret []byte
	logger    *slog.Logger
	mux       *mux.Router
}

type Option func(*Server)

func WithJWTSecret(secret string) Option { return func(s *Server) { s.jwtSecret = []byte(secret) } }

func WithBaseContext(ctx context.Context) Option { return func(s *Server) { s.baseCtx = ctx } }

func NewServer(d Deps, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Nearby == nil {
		d.Nearby = d.Fleet
	}
	if d.Matcher == nil {
		d.Matcher = &matcher.Service{Geo: d.Nearby, Calc: d.Calc, TopN: 5}
	}
	s := &Server{Deps: d, baseCtx: context.Background(), logger: logger, mux: mux.NewRouter()}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/principals", s.handleRegisterPrincipal).Methods("POST")
	api.HandleFunc("/principals/{id}/driver-profile", s.handleSetDriverProfile).Methods("PUT")

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/bookings/{id:[0-9]+}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id:[0-9]+}", s.handleModifyBooking).Methods("PATCH")
	api.HandleFunc("/bookings/{id:[0-9]+}/candidates", s.handleCandidates).Methods("GET")
	api.HandleFunc("/bookings/{id:[0-9]+}/claim", s.transition(s.Bookings.Claim)).Methods("POST")
	api.HandleFunc("/bookings/{id:[0-9]+}/reject", s.transition(s.Bookings.Reject)).Methods("POST")
	api.HandleFunc("/bookings/{id:[0-9]+}/cancel", s.transition(s.Bookings.Cancel)).Methods("POST")
	api.HandleFunc("/bookings/{id:[0-9]+}/complete", s.transition(s.Bookings.Complete)).Methods("POST")

	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")

	api.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles/nearby", s.handleNearbyVehicles).Methods("GET")
	api.HandleFunc("/vehicles/{id}/position", s.handleVehiclePosition).Methods("GET")
	api.HandleFunc("/vehicles/{id}/advance", s.handleAdvanceVehicle).Methods("POST")
	api.HandleFunc("/vehicles/{id}/eta", s.handleVehicleETA).Methods("GET")

	s.mux.HandleFunc("/ws/bookings/{id:[0-9]+}", s.handleBookingStream)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverStream)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ReadyChecks {
		if err := check(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// principal returns the caller id or writes 401.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := principalFromContext(r.Context())
	if id == "" {
		writeErrorCode(w, http.StatusUnauthorized, "not_authorized", "missing principal")
		return "", false
	}
	return id, true
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return nil
}

func bookingID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad booking id", models.ErrInvalidRequest)
	}
	return id, nil
}

func (s *Server) handleRegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.principal(w, r)
	if !ok {
		return
	}
	p, err := s.Principals.Register(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleSetDriverProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.principal(w, r)
	if !ok {
		return
	}
	if mux.Vars(r)["id"] != id {
		s.writeError(w, r, fmt.Errorf("%w: profile belongs to another principal", models.ErrNotAuthorized))
		return
	}
	var profile models.DriverProfile
	if err := decode(r, &profile); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Principals.SetDriverProfile(r.Context(), id, profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createBookingRequest struct {
	Pickup        models.Coord        `json:"pickup"`
	Destination   models.Coord        `json:"destination"`
	Passengers    int                 `json:"passengers"`
	VehicleClass  models.VehicleClass `json:"vehicle_class,omitempty"`
	ScheduledTime *time.Time          `json:"scheduled_time,omitempty"`
}

type createBookingResponse struct {
	BookingID  int64                `json:"booking_id"`
	Fare       float64              `json:"fare"`
	ETAMinutes float64              `json:"eta_minutes"`
	DistanceKm float64              `json:"distance_km"`
	Status     models.BookingStatus `json:"status"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	rider, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req createBookingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Create(r.Context(), booking.CreateRequest{
		RiderID:      rider,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		Passengers:   req.Passengers,
		VehicleClass: req.VehicleClass,
		ScheduledAt:  req.ScheduledTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createBookingResponse{
		BookingID:  b.ID,
		Fare:       b.Fare,
		ETAMinutes: b.ETAMinutes,
		DistanceKm: b.DistanceKm,
		Status:     b.Status,
	})
}

// canView allows the rider, the assigned driver and, while the offer is open, any driver.
func (s *Server) canView(ctx context.Context, principal string, b models.Booking) bool {
	if principal == b.RiderID || (principal != "" && principal == b.DriverID) {
		return true
	}
	if b.Status == models.StatusPending {
		if p, err := s.Principals.Principal(ctx, principal); err == nil && p.IsDriver() {
			return true
		}
	}
	return false
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.canView(r.Context(), caller, b) {
		s.writeError(w, r, models.ErrNotAuthorized)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type modifyBookingRequest struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
}

func (s *Server) handleModifyBooking(w http.ResponseWriter, r *http.Request) {
	rider, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req modifyBookingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Modify(r.Context(), rider, id, booking.ModifyRequest{DistanceKm: req.DistanceKm, DurationMinutes: req.DurationMinutes})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.canView(r.Context(), caller, b) {
		s.writeError(w, r, models.ErrNotAuthorized)
		return
	}
	cands, err := s.Matcher.Rank(r.Context(), b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

type transitionFunc func(ctx context.Context, principal string, id int64) (models.Booking, error)

// transition adapts the claim/reject/cancel/complete operations, which share a shape.
func (s *Server) transition(op transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.principal(w, r)
		if !ok {
			return
		}
		id, err := bookingID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		b, err := op(r.Context(), caller, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "status": b.Status})
	}
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	role := models.Role(q.Get("role"))
	if role == "" {
		role = models.RoleRider
	}
	var filter *models.BookingStatus
	if v := q.Get("status"); v != "" {
		st := models.BookingStatus(v)
		filter = &st
	}
	list, err := s.Bookings.ListFor(r.Context(), caller, role, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type quoteRequest struct {
	Pickup       models.Coord        `json:"pickup"`
	Destination  models.Coord        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_class,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Pickup.Valid() || !req.Destination.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidRequest))
		return
	}
	if req.VehicleClass == "" {
		req.VehicleClass = s.Bookings.DefaultClass()
	}
	q, err := s.Calc.Quote(req.Pickup, req.Destination, req.VehicleClass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Fleet.Vehicles())
}

func (s *Server) handleNearbyVehicles(w http.ResponseWriter, r *http.Request) {
	c, err := coordFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: bad limit", models.ErrInvalidRequest))
			return
		}
	}
	vs, err := s.Nearby.Nearby(r.Context(), c, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleVehiclePosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.Fleet.PositionOf(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAdvanceVehicle(w http.ResponseWriter, r *http.Request) {
	p, err := s.Fleet.Advance(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVehicleETA(w http.ResponseWriter, r *http.Request) {
	dest, err := coordFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.ETA.VehicleETA(mux.Vars(r)["id"], dest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"minutes": m})
}

func coordFromQuery(r *http.Request) (models.Coord, error) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	c := models.Coord{Lat: lat, Lon: lon}
	if err1 != nil || err2 != nil || !c.Valid() {
		return models.Coord{}, fmt.Errorf("%w: lat and lon query parameters required", models.ErrInvalidRequest)
	}
	return c, nil
}
