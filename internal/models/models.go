package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Place is a named address with its coordinates.
type Place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p Place) Point() Point { return Point{Lat: p.Lat, Lng: p.Lng} }

type VehicleType string

const (
	VehicleBike VehicleType = "bike"
	VehicleAuto VehicleType = "auto"
	VehicleCar  VehicleType = "car"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar:
		return true
	}
	return false
}

type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

// HasDriver reports whether a ride in status s carries a driver reference.
func (s RideStatus) HasDriver() bool {
	return s == RideAccepted || s == RideOngoing || s == RideCompleted
}

type PaymentStatus string

const (
	PaymentNone    PaymentStatus = "none"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Actor identifies who asked for a ride transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Ride struct {
	ID            string        `json:"id"`
	RiderID       string        `json:"riderId"`
	DriverID      string        `json:"driverId,omitempty"`
	Pickup        Place         `json:"pickup"`
	Drop          Place         `json:"drop"`
	VehicleType   VehicleType   `json:"vehicleType"`
	Fare          float64       `json:"fare"`
	Status        RideStatus    `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	CancelledBy   Role          `json:"cancelledBy,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Position is a driver's last reported point. Timestamp is unix milliseconds
// and strictly increases per driver.
type Position struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// DriverPosition is the record streamed to Kafka and kept in the geo index.
type DriverPosition struct {
	DriverID  string  `json:"driver_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Online    bool    `json:"online"`
	Timestamp int64   `json:"timestamp"`
}

// RideEvent describes one committed status transition.
type RideEvent struct {
	RideID     string     `json:"ride_id"`
	FromStatus RideStatus `json:"from_status"`
	ToStatus   RideStatus `json:"to_status"`
	DriverID   string     `json:"driver_id,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	ActorRole  Role       `json:"actor_role,omitempty"`
	Fare       float64    `json:"fare"`
	At         time.Time  `json:"at"`
}
