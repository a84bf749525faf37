package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

// PositionSink receives a copy of every position and offline transition.
// Implementations: geo.Index, geo.RedisGeo, ingest.KafkaProducer.
type PositionSink interface {
	Upsert(ctx context.Context, p models.DriverPosition) error
}

type entry struct {
	conn dispatch.Conn
	pos  models.Position
	has  bool
}

// Registry maps online drivers to their live connection and last position.
// It is the only holder of driver connection handles.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	byConn    map[string]string // conn id -> driver id
	listeners []func(driverID string)

	sinks  []PositionSink
	mirror chan models.DriverPosition
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(logger *slog.Logger, sinks ...PositionSink) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byConn:  make(map[string]string),
		sinks:   sinks,
		mirror:  make(chan models.DriverPosition, 1024),
		logger:  logger,
		now:     time.Now,
	}
}

// OnOffline registers fn to run after a driver's entry is removed. Must be
// called before the registry is shared.
func (r *Registry) OnOffline(fn func(driverID string)) {
	r.listeners = append(r.listeners, fn)
}

// Run forwards mirrored positions to the sinks until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-r.mirror:
			for _, s := range r.sinks {
				sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := s.Upsert(sctx, p); err != nil {
					r.logger.Warn("position sink failed", "driver_id", p.DriverID, "error", err)
				}
				cancel()
			}
		}
	}
}

// SetOnline creates or replaces the driver's entry. A previous connection
// is closed; a driver has at most one live connection.
func (r *Registry) SetOnline(driverID string, conn dispatch.Conn) {
	r.mu.Lock()
	var old dispatch.Conn
	e, ok := r.entries[driverID]
	if ok {
		if e.conn.ID() != conn.ID() {
			old = e.conn
			delete(r.byConn, old.ID())
		}
		e.conn = conn
	} else {
		r.entries[driverID] = &entry{conn: conn}
	}
	r.byConn[conn.ID()] = driverID
	online := len(r.entries)
	r.mu.Unlock()

	observability.DriversOnline.Set(float64(online))
	if old != nil {
		_ = old.Close()
		r.logger.Info("driver connection replaced", "driver_id", driverID, "old_conn", old.ID(), "conn_id", conn.ID())
		return
	}
	r.logger.Info("driver online", "driver_id", driverID, "conn_id", conn.ID())
}

// SetOffline removes the driver's entry. Removing an absent entry is a no-op.
func (r *Registry) SetOffline(driverID string) {
	r.mu.Lock()
	e, ok := r.entries[driverID]
	if ok {
		delete(r.entries, driverID)
		delete(r.byConn, e.conn.ID())
	}
	online := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.wentOffline(driverID, online)
}

// OnDisconnect removes the entry owned by conn, if conn is still the
// driver's current connection.
func (r *Registry) OnDisconnect(conn dispatch.Conn) {
	r.mu.Lock()
	driverID, ok := r.byConn[conn.ID()]
	if ok {
		delete(r.byConn, conn.ID())
		delete(r.entries, driverID)
	}
	online := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.wentOffline(driverID, online)
}

func (r *Registry) wentOffline(driverID string, online int) {
	observability.DriversOnline.Set(float64(online))
	r.logger.Info("driver offline", "driver_id", driverID)
	r.enqueue(models.DriverPosition{DriverID: driverID, Online: false, Timestamp: r.now().UnixMilli()})
	for _, fn := range r.listeners {
		fn(driverID)
	}
}

// UpdatePosition records the driver's latest point. Events for drivers that
// are not online, or from a connection other than the current one (when
// connID is set), are dropped.
func (r *Registry) UpdatePosition(driverID, connID string, p models.Point) (models.Position, bool) {
	r.mu.Lock()
	e, ok := r.entries[driverID]
	if !ok || (connID != "" && e.conn.ID() != connID) {
		r.mu.Unlock()
		r.logger.Debug("position dropped", "driver_id", driverID, "conn_id", connID)
		return models.Position{}, false
	}
	ts := r.now().UnixMilli()
	if e.has && ts <= e.pos.Timestamp {
		ts = e.pos.Timestamp + 1
	}
	e.pos = models.Position{Lat: p.Lat, Lng: p.Lng, Timestamp: ts}
	e.has = true
	pos := e.pos
	r.mu.Unlock()

	r.enqueue(models.DriverPosition{DriverID: driverID, Lat: pos.Lat, Lng: pos.Lng, Online: true, Timestamp: pos.Timestamp})
	return pos, true
}

func (r *Registry) IsOnline(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[driverID]
	return ok
}

// Position returns the last known position of an online driver.
func (r *Registry) Position(driverID string) (models.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[driverID]
	if !ok || !e.has {
		return models.Position{}, false
	}
	return e.pos, true
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) enqueue(p models.DriverPosition) {
	if len(r.sinks) == 0 {
		return
	}
	select {
	case r.mirror <- p:
	default:
		r.logger.Debug("position mirror full, dropping", "driver_id", p.DriverID)
	}
}
