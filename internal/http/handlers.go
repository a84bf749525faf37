package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/lifecycle"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/presence"
	"github.com/example/ride-tracking/internal/relay"
)

const maxBodyBytes = 64 << 10

// ReadyCheck reports whether a backing service is reachable.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	WSSendBuffer  int
	NearbyRadiusM float64
	NearbyLimit   int
	ReadyChecks   []ReadyCheck
}

type Server struct {
	Rides    *lifecycle.Service
	Presence *presence.Registry
	Relay    *relay.Relay
	Geo      geo.Geo

	auth   *Authenticator
	opts   Options
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(rides *lifecycle.Service, reg *presence.Registry, rl *relay.Relay, g geo.Geo, auth *Authenticator, logger *slog.Logger, opts Options) *Server {
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = 10
	}
	if opts.NearbyRadiusM <= 0 {
		opts.NearbyRadiusM = 5000
	}
	s := &Server{
		Rides:    rides,
		Presence: reg,
		Relay:    rl,
		Geo:      g,
		auth:     auth,
		opts:     opts,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ride/create", s.withRole(s.handleCreateRide, models.RoleRider)).Methods(http.MethodPost)
	s.mux.HandleFunc("/ride/accept/{id}", s.withRole(s.handleAcceptRide, models.RoleDriver)).Methods(http.MethodPut)
	s.mux.HandleFunc("/ride/start/{id}", s.withRole(s.handleStartRide, models.RoleDriver)).Methods(http.MethodPut)
	s.mux.HandleFunc("/ride/complete/{id}", s.withRole(s.handleCompleteRide, models.RoleDriver)).Methods(http.MethodPut)
	s.mux.HandleFunc("/ride/cancel/{id}", s.withRole(s.handleCancelRide)).Methods(http.MethodPut)
	s.mux.HandleFunc("/ride/{id}", s.withRole(s.handleGetRide)).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/requested", s.withRole(s.handleListRequested, models.RoleDriver)).Methods(http.MethodGet)
	s.mux.HandleFunc("/drivers/nearby", s.withRole(s.handleNearby, models.RoleRider)).Methods(http.MethodGet)
	s.mux.HandleFunc("/payments/webhook", s.handlePaymentWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.withRole(s.handleWS)).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	Pickup      models.Place       `json:"pickup"`
	Drop        models.Place       `json:"drop"`
	VehicleType models.VehicleType `json:"vehicleType"`
	Fare        float64            `json:"fare"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	var req createRideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, err := s.Rides.Create(r.Context(), lifecycle.CreateCommand{
		RiderID:     actor.ID,
		Pickup:      req.Pickup,
		Drop:        req.Drop,
		VehicleType: req.VehicleType,
		Fare:        req.Fare,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	s.respondRide(w)(s.Rides.Accept(r.Context(), mux.Vars(r)["id"], actor.ID))
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	s.respondRide(w)(s.Rides.Start(r.Context(), mux.Vars(r)["id"], actor.ID))
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	s.respondRide(w)(s.Rides.Complete(r.Context(), mux.Vars(r)["id"], actor.ID))
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	s.respondRide(w)(s.Rides.Cancel(r.Context(), mux.Vars(r)["id"], actor))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !canView(actor, ride) {
		writeError(w, s.logger, fmt.Errorf("%w: ride %s", lifecycle.ErrForbidden, ride.ID))
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// canView lets the rider and the bound driver see a ride; any driver may see
// rides that are still open.
func canView(actor models.Actor, ride *models.Ride) bool {
	switch actor.Role {
	case models.RoleRider:
		return ride.RiderID == actor.ID
	case models.RoleDriver:
		return ride.DriverID == actor.ID || ride.Status == models.RideRequested
	}
	return false
}

func (s *Server) handleListRequested(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, s.logger, fmt.Errorf("%w: limit must be a positive integer", lifecycle.ErrValidation))
			return
		}
		limit = n
	}
	rides, err := s.Rides.ListRequested(r.Context(), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	center := models.Point{Lat: lat, Lng: lng}
	if latErr != nil || lngErr != nil || !center.Valid() {
		writeError(w, s.logger, fmt.Errorf("%w: lat and lng must be valid coordinates", lifecycle.ErrValidation))
		return
	}
	drivers, err := s.Geo.Nearby(r.Context(), center, s.opts.NearbyRadiusM, s.opts.NearbyLimit)
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("nearby lookup: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

// handlePaymentWebhook turns provider events into settlement results. Event
// types that carry no outcome are acknowledged and ignored.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
		return
	}
	res, ok, err := payments.ParseWebhook(body)
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
		return
	}
	if !ok {
		s.logger.Debug("payment event ignored", "event", res.Event)
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}
	if err := s.Rides.OnSettlementResult(r.Context(), res.RideID, res.Outcome); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.opts.ReadyChecks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) respondRide(w http.ResponseWriter) func(*models.Ride, error) {
	return func(ride *models.Ride, err error) {
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", lifecycle.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without details.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrForbidden), errors.Is(err, errRole):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
