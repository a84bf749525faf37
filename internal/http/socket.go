package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/lifecycle"
	"github.com/example/ride-tracking/internal/models"
)

const socketOpTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browser clients connect from the app origin; tokens gate access
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades an authenticated request into a session and serves it
// until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", actor.ID, "error", err)
		return
	}
	sess := dispatch.NewWSSession(uuid.NewString(), actor.ID, actor.Role, conn, s.opts.WSSendBuffer, s.logger)
	s.logger.Info("ws connected", "conn_id", sess.ID(), "user_id", actor.ID, "role", actor.Role)

	go sess.WritePump()
	sess.ReadLoop(func(msg models.InboundMessage) { s.handleSocketMessage(sess, msg) })
	s.endSession(sess)
}

// endSession drops everything the session owned. The presence entry is only
// removed if this session is still the driver's current connection.
func (s *Server) endSession(sess *dispatch.WSSession) {
	if sess.Role() == models.RoleDriver {
		s.Presence.OnDisconnect(sess)
	}
	s.Relay.Disconnect(sess.ID())
	_ = sess.Close()
	s.logger.Info("ws disconnected", "conn_id", sess.ID(), "user_id", sess.UserID())
}

func (s *Server) handleSocketMessage(sess *dispatch.WSSession, msg models.InboundMessage) {
	switch msg.Type {
	case models.EventDriverGoOnline, models.EventDriverGoOffline, models.EventDriverPosition:
		if sess.Role() != models.RoleDriver {
			s.socketError(sess, msg.Type+" is only available to drivers")
			return
		}
	case models.EventSubscribeRide, models.EventUnsubscribeRide:
		if sess.Role() != models.RoleRider {
			s.socketError(sess, msg.Type+" is only available to riders")
			return
		}
	default:
		s.socketError(sess, "unknown event "+msg.Type)
		return
	}

	switch msg.Type {
	case models.EventDriverGoOnline:
		s.Presence.SetOnline(sess.UserID(), sess)

	case models.EventDriverGoOffline:
		// a replaced session cannot take the driver offline
		s.Presence.OnDisconnect(sess)

	case models.EventDriverPosition:
		var p models.DriverPositionPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || !(models.Point{Lat: p.Lat, Lng: p.Lng}).Valid() {
			s.socketError(sess, "driver-position needs valid lat and lng")
			return
		}
		s.Relay.OnDriverPosition(sess.UserID(), sess.ID(), p.Lat, p.Lng)

	case models.EventSubscribeRide:
		rideID, ok := s.rideRef(sess, msg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), socketOpTimeout)
		defer cancel()
		if err := s.Rides.Track(ctx, sess.UserID(), rideID, sess); err != nil {
			if !isDomainError(err) {
				s.logger.Error("subscribe failed", "ride_id", rideID, "conn_id", sess.ID(), "error", err)
			}
			s.socketError(sess, err.Error())
		}

	case models.EventUnsubscribeRide:
		if rideID, ok := s.rideRef(sess, msg); ok {
			s.Relay.Unsubscribe(sess.ID(), rideID)
		}
	}
}

func (s *Server) rideRef(sess *dispatch.WSSession, msg models.InboundMessage) (string, bool) {
	var ref models.RideRefPayload
	if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.RideID == "" {
		s.socketError(sess, msg.Type+" needs a rideId")
		return "", false
	}
	return ref.RideID, true
}

func (s *Server) socketError(sess *dispatch.WSSession, text string) {
	if err := sess.Send(models.ErrorMessage(text)); err != nil {
		s.logger.Debug("ws error not delivered", "conn_id", sess.ID(), "error", err)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, lifecycle.ErrValidation) || errors.Is(err, lifecycle.ErrNotFound) ||
		errors.Is(err, lifecycle.ErrConflict) || errors.Is(err, lifecycle.ErrForbidden)
}
