package models

import "encoding/json"

// Socket event names.
const (
	EventDriverGoOnline  = "driver-go-online"
	EventDriverGoOffline = "driver-go-offline"
	EventDriverPosition  = "driver-position"
	EventSubscribeRide   = "subscribe-ride"
	EventUnsubscribeRide = "unsubscribe-ride"

	EventPositionUpdate      = "position-update"
	EventTrackingUnavailable = "tracking-unavailable"
	EventRideStatus          = "ride-status"
	EventError               = "error"
)

// Message is the outbound socket envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// InboundMessage is the inbound socket envelope; Data is decoded per Type.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type DriverPositionPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RideRefPayload struct {
	RideID string `json:"rideId"`
}

type PositionUpdatePayload struct {
	RideID    string  `json:"rideId"`
	DriverID  string  `json:"driverId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

type RideStatusPayload struct {
	RideID string     `json:"rideId"`
	Status RideStatus `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func PositionUpdate(rideID, driverID string, p Position) Message {
	return Message{Type: EventPositionUpdate, Data: PositionUpdatePayload{
		RideID: rideID, DriverID: driverID, Lat: p.Lat, Lng: p.Lng, Timestamp: p.Timestamp,
	}}
}

func TrackingUnavailable(rideID string) Message {
	return Message{Type: EventTrackingUnavailable, Data: RideRefPayload{RideID: rideID}}
}

func RideStatusChanged(rideID string, status RideStatus) Message {
	return Message{Type: EventRideStatus, Data: RideStatusPayload{RideID: rideID, Status: status}}
}

func ErrorMessage(msg string) Message {
	return Message{Type: EventError, Data: ErrorPayload{Message: msg}}
}
