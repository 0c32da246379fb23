package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks belong to the edge proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleBookingStream pushes every event of one booking to its rider or driver.
func (s *Server) handleBookingStream(w http.ResponseWriter, r *http.Request) {
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
	if caller != b.RiderID && caller != b.DriverID {
		s.writeError(w, r, models.ErrNotAuthorized)
		return
	}
	s.serveStream(w, r, dispatch.BookingTopic(id))
}

// handleDriverStream feeds a driver the open-offer broadcast plus their own bookings.
func (s *Server) handleDriverStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	if caller != driverID {
		s.writeError(w, r, models.ErrNotAuthorized)
		return
	}
	p, err := s.Principals.Principal(r.Context(), driverID)
	if err != nil || !p.IsDriver() {
		s.writeError(w, r, models.ErrNotAuthorized)
		return
	}
	s.serveStream(w, r, dispatch.DriverTopic(driverID), dispatch.AllDrivers)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, topics ...string) {
	// subscribe first so nothing published after the handshake is missed
	sub := s.Hub.Subscribe(topics...)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		return
	}
	s.logger.Debug("stream opened", "topics", topics, "principal", principalFromContext(r.Context()))
	go dispatch.NewWSSession(conn, sub, s.logger).Serve(s.baseCtx)
}
