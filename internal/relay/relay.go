// Package relay routes driver positions to the riders tracking their ride.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

var (
	ErrDriverMismatch = errors.New("ride is bound to a different driver")
	ErrRideReleased   = errors.New("ride tracking has ended")
)

// releasedTTL bounds how long a released ride is remembered. It only has to
// outlive a lifecycle call that read the ride before it ended.
const releasedTTL = 10 * time.Minute

// Presence is the part of the presence registry the relay depends on.
type Presence interface {
	UpdatePosition(driverID, connID string, p models.Point) (models.Position, bool)
	Position(driverID string) (models.Position, bool)
	IsOnline(driverID string) bool
}

type subscription struct {
	conn     dispatch.Conn
	rideID   string
	driverID string
}

type subKey struct {
	connID string
	rideID string
}

// Relay holds ride bindings (ride -> driver) and rider subscriptions.
// All state is process local and rebuilt by clients after a restart.
type Relay struct {
	mu       sync.RWMutex
	bindings map[string]string                   // ride id -> driver id
	subs     map[subKey]*subscription            // every subscription
	byDriver map[string]map[subKey]*subscription // driver id -> subscriptions
	byRide   map[string]map[subKey]*subscription // ride id -> subscriptions
	byConn   map[string]map[subKey]*subscription // rider conn id -> subscriptions
	released map[string]time.Time                // ride id -> release time

	presence Presence
	logger   *slog.Logger
	now      func() time.Time
}

func New(presence Presence, logger *slog.Logger) *Relay {
	return &Relay{
		bindings: make(map[string]string),
		subs:     make(map[subKey]*subscription),
		byDriver: make(map[string]map[subKey]*subscription),
		byRide:   make(map[string]map[subKey]*subscription),
		byConn:   make(map[string]map[subKey]*subscription),
		released: make(map[string]time.Time),
		presence: presence,
		logger:   logger,
		now:      time.Now,
	}
}

// Bind records that positions of driverID belong to rideID. A ride that
// was already released cannot be bound again.
func (r *Relay) Bind(rideID, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.released[rideID]; ok {
		return ErrRideReleased
	}
	r.bindings[rideID] = driverID
	return nil
}

// BoundDriver returns the driver a ride is bound to.
func (r *Relay) BoundDriver(rideID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.bindings[rideID]
	return d, ok
}

// Subscribe attaches a rider connection to a ride's driver stream. The last
// known position, if any, is pushed right away. If the driver is offline the
// rider is told tracking is unavailable and nothing is registered.
// Released rides are refused with ErrRideReleased.
func (r *Relay) Subscribe(conn dispatch.Conn, rideID, driverID string) error {
	r.mu.Lock()
	if _, ok := r.released[rideID]; ok {
		r.mu.Unlock()
		return ErrRideReleased
	}
	if bound, ok := r.bindings[rideID]; ok && bound != driverID {
		r.mu.Unlock()
		return ErrDriverMismatch
	}
	// Checked under the relay lock: a driver going offline after this point
	// runs DriverOffline, which waits for the lock and sees the subscription.
	if !r.presence.IsOnline(driverID) {
		r.mu.Unlock()
		r.send(conn, models.TrackingUnavailable(rideID))
		return nil
	}
	r.bindings[rideID] = driverID
	key := subKey{connID: conn.ID(), rideID: rideID}
	if _, exists := r.subs[key]; !exists {
		s := &subscription{conn: conn, rideID: rideID, driverID: driverID}
		r.subs[key] = s
		index(r.byDriver, driverID, key, s)
		index(r.byRide, rideID, key, s)
		index(r.byConn, conn.ID(), key, s)
	}
	var failed bool
	if pos, ok := r.presence.Position(driverID); ok {
		failed = !r.deliverLocked(r.subs[key], pos)
	}
	if failed {
		r.removeLocked(key)
	}
	n := len(r.subs)
	r.mu.Unlock()

	observability.SubscriptionsActive.Set(float64(n))
	r.logger.Info("ride subscribed", "ride_id", rideID, "driver_id", driverID, "conn_id", conn.ID())
	return nil
}

// Unsubscribe removes one subscription. Unknown subscriptions are ignored.
func (r *Relay) Unsubscribe(connID, rideID string) {
	r.mu.Lock()
	r.removeLocked(subKey{connID: connID, rideID: rideID})
	n := len(r.subs)
	r.mu.Unlock()
	observability.SubscriptionsActive.Set(float64(n))
}

// Disconnect removes every subscription held by a rider connection.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	for key := range r.byConn[connID] {
		r.removeLocked(key)
	}
	n := len(r.subs)
	r.mu.Unlock()
	observability.SubscriptionsActive.Set(float64(n))
}

// OnDriverPosition records the position and fans it out to every rider
// subscribed to the driver. Delivery problems stay on the rider side.
//
// Sends happen under the read lock; Conn.Send never blocks, and holding the
// lock orders every fan-out before a concurrent DriverOffline notice.
func (r *Relay) OnDriverPosition(driverID, connID string, lat, lng float64) {
	pos, ok := r.presence.UpdatePosition(driverID, connID, models.Point{Lat: lat, Lng: lng})
	if !ok {
		return
	}
	observability.PositionUpdates.Inc()

	var failed []subKey
	r.mu.RLock()
	for key, s := range r.byDriver[driverID] {
		if !r.deliverLocked(s, pos) {
			failed = append(failed, key)
		}
	}
	r.mu.RUnlock()
	r.drop(failed)
}

// DriverOffline tears down the driver's subscriptions, telling each rider
// once that tracking is unavailable. Bindings survive: the ride is unchanged.
func (r *Relay) DriverOffline(driverID string) {
	r.mu.Lock()
	dropped := make([]*subscription, 0, len(r.byDriver[driverID]))
	for key, s := range r.byDriver[driverID] {
		dropped = append(dropped, s)
		r.removeLocked(key)
	}
	n := len(r.subs)
	r.mu.Unlock()
	if len(dropped) == 0 {
		return
	}
	observability.SubscriptionsActive.Set(float64(n))
	r.logger.Info("tracking unavailable", "driver_id", driverID, "subscriptions", len(dropped))
	for _, s := range dropped {
		r.send(s.conn, models.TrackingUnavailable(s.rideID))
	}
}

// Notify pushes a ride status change to the ride's subscribers.
func (r *Relay) Notify(rideID string, status models.RideStatus) {
	var failed []subKey
	r.mu.RLock()
	for key, s := range r.byRide[rideID] {
		if !r.sendLocked(s, models.RideStatusChanged(rideID, status)) {
			failed = append(failed, key)
		}
	}
	r.mu.RUnlock()
	r.drop(failed)
}

// Release ends tracking for a ride that reached a terminal status: the
// final status is pushed, then the subscriptions and binding are dropped.
// Later Bind and Subscribe calls for the ride are refused.
func (r *Relay) Release(rideID string, final models.RideStatus) {
	r.mu.Lock()
	now := r.now()
	for id, at := range r.released {
		if now.Sub(at) > releasedTTL {
			delete(r.released, id)
		}
	}
	r.released[rideID] = now
	dropped := make([]*subscription, 0, len(r.byRide[rideID]))
	for key, s := range r.byRide[rideID] {
		dropped = append(dropped, s)
		r.removeLocked(key)
	}
	delete(r.bindings, rideID)
	n := len(r.subs)
	r.mu.Unlock()
	observability.SubscriptionsActive.Set(float64(n))
	for _, s := range dropped {
		r.send(s.conn, models.RideStatusChanged(rideID, final))
	}
}

// Subscribers returns the number of subscriptions bound to a driver.
func (r *Relay) Subscribers(driverID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDriver[driverID])
}

func (r *Relay) deliverLocked(s *subscription, pos models.Position) bool {
	if !r.sendLocked(s, models.PositionUpdate(s.rideID, s.driverID, pos)) {
		return false
	}
	observability.PositionFanout.Inc()
	return true
}

// sendLocked sends msg on the subscription's connection. A failure is
// logged and reported so the caller can tear the subscription down.
func (r *Relay) sendLocked(s *subscription, msg models.Message) bool {
	if err := s.conn.Send(msg); err != nil {
		observability.RelaySendFailures.Inc()
		r.logger.Warn("relay send failed, dropping subscription",
			"ride_id", s.rideID, "driver_id", s.driverID, "conn_id", s.conn.ID(), "error", err)
		return false
	}
	return true
}

func (r *Relay) drop(keys []subKey) {
	if len(keys) == 0 {
		return
	}
	r.mu.Lock()
	for _, key := range keys {
		r.removeLocked(key)
	}
	n := len(r.subs)
	r.mu.Unlock()
	observability.SubscriptionsActive.Set(float64(n))
}

func (r *Relay) send(conn dispatch.Conn, msg models.Message) {
	if err := conn.Send(msg); err != nil {
		r.logger.Debug("relay notice not delivered", "conn_id", conn.ID(), "type", msg.Type, "error", err)
	}
}

func (r *Relay) removeLocked(key subKey) {
	s, ok := r.subs[key]
	if !ok {
		return
	}
	delete(r.subs, key)
	unindex(r.byDriver, s.driverID, key)
	unindex(r.byRide, s.rideID, key)
	unindex(r.byConn, key.connID, key)
}

func index(m map[string]map[subKey]*subscription, id string, key subKey, s *subscription) {
	set, ok := m[id]
	if !ok {
		set = make(map[subKey]*subscription)
		m[id] = set
	}
	set[key] = s
}

func unindex(m map[string]map[subKey]*subscription, id string, key subKey) {
	set, ok := m[id]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m, id)
	}
}
