package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a real latitude/longitude pair.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleClass string

const (
	ClassBus   VehicleClass = "bus"
	ClassCar   VehicleClass = "car"
	ClassTruck VehicleClass = "truck"
	ClassTaxi  VehicleClass = "taxi"
	ClassBike  VehicleClass = "bike"
)

// VehicleClasses lists the known classes in a stable order.
var VehicleClasses = []VehicleClass{ClassBus, ClassCar, ClassTruck, ClassTaxi, ClassBike}

type Vehicle struct {
	ID      string       `json:"id"`
	Class   VehicleClass `json:"class"`
	Loc     Coord        `json:"loc"`
	Updated time.Time    `json:"updated"`
}

type DriverProfile struct {
	LicenseNumber string `json:"license_number"`
	Vehicle       string `json:"vehicle"`
	Phone         string `json:"phone"`
}

type Principal struct {
	ID        string         `json:"id"`
	Driver    *DriverProfile `json:"driver,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsDriver reports whether the principal may claim bookings.
func (p Principal) IsDriver() bool { return p.Driver != nil }

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusAccepted  BookingStatus = "accepted"
	StatusRejected  BookingStatus = "rejected"
	StatusCanceled  BookingStatus = "canceled"
	StatusCompleted BookingStatus = "completed"
)

var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCanceled},
	StatusAccepted: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the booking state machine.
func CanTransition(from, to BookingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s BookingStatus) Terminal() bool { return len(transitions[s]) == 0 }

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

type Booking struct {
	ID           int64         `json:"id"`
	RiderID      string        `json:"rider_id"`
	DriverID     string        `json:"driver_id,omitempty"`
	Pickup       Coord         `json:"pickup"`
	Destination  Coord         `json:"destination"`
	Passengers   int           `json:"passengers"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	DistanceKm   float64       `json:"distance_km"`
	Fare         float64       `json:"fare"`
	ETAMinutes   float64       `json:"eta_minutes"`
	Status       BookingStatus `json:"status"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	CanceledBy   string        `json:"canceled_by,omitempty"`
	RejectedBy   string        `json:"rejected_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type EventType string

const (
	EventCreated   EventType = "booking_created"
	EventAccepted  EventType = "booking_accepted"
	EventRejected  EventType = "booking_rejected"
	EventCanceled  EventType = "booking_canceled"
	EventCompleted EventType = "booking_completed"
	EventModified  EventType = "booking_modified"
)

// BookingEvent is pushed to subscribers whenever a booking changes.
type BookingEvent struct {
	Type      EventType     `json:"type"`
	BookingID int64         `json:"booking_id"`
	OldStatus BookingStatus `json:"old_status,omitempty"`
	NewStatus BookingStatus `json:"new_status"`
	RiderID   string        `json:"rider_id"`
	DriverID  string        `json:"driver_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Booking   *Booking      `json:"booking,omitempty"`
}
