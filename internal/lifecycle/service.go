// Package lifecycle owns the ride state machine. It is the only writer of
// ride status transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
)

// Presence answers whether a driver currently holds a live connection.
type Presence interface {
	IsOnline(driverID string) bool
}

// Tracker is the location relay as seen by the lifecycle manager.
type Tracker interface {
	Bind(rideID, driverID string) error
	Subscribe(conn dispatch.Conn, rideID, driverID string) error
	Notify(rideID string, status models.RideStatus)
	Release(rideID string, final models.RideStatus)
}

// Settler starts payment settlement for a completed ride. The outcome is
// reported later through OnSettlementResult.
type Settler interface {
	Settle(ctx context.Context, rideID string, fare float64) error
}

type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

const DefaultSettlementTimeout = 10 * time.Second

// maxFare matches the rides.fare column, NUMERIC(12,2).
const maxFare = 1e10

type Service struct {
	Store    storage.RideStore
	Presence Presence
	Tracker  Tracker
	Settler  Settler
	Events   EventPublisher // optional
	Logger   *slog.Logger

	SettlementTimeout time.Duration

	now      func() time.Time
	newID    func() string
	settling sync.WaitGroup
}

func NewService(store storage.RideStore, presence Presence, tracker Tracker, settler Settler, logger *slog.Logger) *Service {
	return &Service{
		Store:             store,
		Presence:          presence,
		Tracker:           tracker,
		Settler:           settler,
		Logger:            logger,
		SettlementTimeout: DefaultSettlementTimeout,
		now:               time.Now,
		newID:             uuid.NewString,
	}
}

type CreateCommand struct {
	RiderID     string
	Pickup      models.Place
	Drop        models.Place
	VehicleType models.VehicleType
	Fare        float64
}

func (c CreateCommand) validate() error {
	var problems []string
	if strings.TrimSpace(c.RiderID) == "" {
		problems = append(problems, "rider is required")
	}
	if strings.TrimSpace(c.Pickup.Address) == "" {
		problems = append(problems, "pickup address is required")
	} else if !c.Pickup.Point().Valid() {
		problems = append(problems, "pickup coordinates out of range")
	}
	if strings.TrimSpace(c.Drop.Address) == "" {
		problems = append(problems, "drop address is required")
	} else if !c.Drop.Point().Valid() {
		problems = append(problems, "drop coordinates out of range")
	}
	if !c.VehicleType.Valid() {
		problems = append(problems, fmt.Sprintf("vehicle type %q is not one of bike, auto, car", c.VehicleType))
	}
	switch {
	case c.Fare < 0 || math.IsNaN(c.Fare) || math.IsInf(c.Fare, 0):
		problems = append(problems, "fare must be a non-negative number")
	case c.Fare >= maxFare:
		problems = append(problems, "fare is too large")
	case math.Round(c.Fare*100)/100 != c.Fare:
		problems = append(problems, "fare must have at most two decimal places")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Create stores a new ride in the requested state.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	if err := cmd.validate(); err != nil {
		observability.RideTransitionRejections.WithLabelValues("create", "validation").Inc()
		return nil, err
	}
	now := s.now().UTC()
	ride := &models.Ride{
		ID:            s.newID(),
		RiderID:       cmd.RiderID,
		Pickup:        cmd.Pickup,
		Drop:          cmd.Drop,
		VehicleType:   cmd.VehicleType,
		Fare:          cmd.Fare,
		Status:        models.RideRequested,
		PaymentStatus: models.PaymentNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.SaveRide(ctx, ride); err != nil {
		return nil, storeErr(ride.ID, err)
	}
	observability.RidesCreatedTotal.Inc()
	s.Logger.Info("ride created", "ride_id", ride.ID, "rider_id", ride.RiderID, "vehicle_type", ride.VehicleType, "fare", ride.Fare)
	s.publish(ctx, "", ride, models.Actor{ID: cmd.RiderID, Role: models.RoleRider})
	return ride, nil
}

// Accept assigns an online driver to a requested ride. When several drivers
// race for the same ride exactly one wins; the others get ErrConflict.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver is required", ErrValidation)
	}
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideRequested || ride.DriverID != "" {
		return nil, s.reject("accept", "status", fmt.Errorf("%w: ride %s is %s", ErrConflict, rideID, ride.Status))
	}
	if !s.Presence.IsOnline(driverID) {
		return nil, s.reject("accept", "offline", fmt.Errorf("%w: driver %s is not online", ErrForbidden, driverID))
	}
	updated, err := s.Store.TransitionRide(ctx, storage.Transition{
		RideID: rideID,
		From:   models.RideRequested,
		To:     models.RideAccepted,
		Driver: driverID,
	})
	if err != nil {
		return nil, s.reject("accept", "race", storeErr(rideID, err))
	}
	if err := s.Tracker.Bind(rideID, driverID); err != nil {
		// cancelled between the write and here; Cancel already released it
		s.Logger.Debug("ride not bound", "ride_id", rideID, "driver_id", driverID, "error", err)
	} else {
		s.Tracker.Notify(rideID, models.RideAccepted)
	}
	s.committed(ctx, ride.Status, updated, models.Actor{ID: driverID, Role: models.RoleDriver})
	return updated, nil
}

// Start moves an accepted ride to ongoing. Only the bound driver may start it.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.driverTransition(ctx, "start", rideID, driverID, models.RideOngoing, "")
	if err != nil {
		return nil, err
	}
	s.Tracker.Notify(rideID, models.RideOngoing)
	return ride, nil
}

// Complete finishes an ongoing ride, releases its tracking subscriptions and
// starts settlement in the background. It does not wait for settlement.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.driverTransition(ctx, "complete", rideID, driverID, models.RideCompleted, models.PaymentPending)
	if err != nil {
		return nil, err
	}
	s.Tracker.Release(rideID, models.RideCompleted)
	s.settle(ctx, ride)
	return ride, nil
}

func (s *Service) driverTransition(ctx context.Context, op, rideID, driverID string, to models.RideStatus, payment models.PaymentStatus) (*models.Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ride.Status, to) {
		return nil, s.reject(op, "status", fmt.Errorf("%w: cannot %s ride %s in status %s", ErrConflict, op, rideID, ride.Status))
	}
	if driverID == "" || ride.DriverID != driverID {
		return nil, s.reject(op, "actor", fmt.Errorf("%w: driver %s is not assigned to ride %s", ErrForbidden, driverID, rideID))
	}
	updated, err := s.Store.TransitionRide(ctx, storage.Transition{
		RideID:       rideID,
		From:         ride.Status,
		ExpectDriver: driverID,
		To:           to,
		Driver:       driverID,
		Payment:      payment,
	})
	if err != nil {
		return nil, s.reject(op, "race", storeErr(rideID, err))
	}
	s.committed(ctx, ride.Status, updated, models.Actor{ID: driverID, Role: models.RoleDriver})
	return updated, nil
}

// Cancel cancels a requested or accepted ride on behalf of its rider or its
// bound driver. The driver reference is cleared.
func (s *Service) Cancel(ctx context.Context, rideID string, actor models.Actor) (*models.Ride, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ride.Status, models.RideCancelled) {
		return nil, s.reject("cancel", "status", fmt.Errorf("%w: cannot cancel ride %s in status %s", ErrConflict, rideID, ride.Status))
	}
	switch {
	case actor.Role == models.RoleRider && actor.ID != "" && actor.ID == ride.RiderID:
	case actor.Role == models.RoleDriver && actor.ID != "" && actor.ID == ride.DriverID:
	default:
		return nil, s.reject("cancel", "actor", fmt.Errorf("%w: %s %s may not cancel ride %s", ErrForbidden, actor.Role, actor.ID, rideID))
	}
	updated, err := s.Store.TransitionRide(ctx, storage.Transition{
		RideID:       rideID,
		From:         ride.Status,
		ExpectDriver: ride.DriverID,
		To:           models.RideCancelled,
		CancelledBy:  actor.Role,
	})
	if err != nil {
		return nil, s.reject("cancel", "race", storeErr(rideID, err))
	}
	s.Tracker.Release(rideID, models.RideCancelled)
	s.committed(ctx, ride.Status, updated, actor)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.load(ctx, rideID)
}

// ListRequested returns open rides, oldest first.
func (s *Service) ListRequested(ctx context.Context, limit int) ([]*models.Ride, error) {
	rides, err := s.Store.ListRides(ctx, models.RideRequested, limit)
	if err != nil {
		return nil, fmt.Errorf("list requested rides: %w", err)
	}
	return rides, nil
}

// Track subscribes a rider connection to the position stream of the ride's
// driver.
func (s *Service) Track(ctx context.Context, riderID, rideID string, conn dispatch.Conn) error {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.RiderID != riderID {
		return fmt.Errorf("%w: ride %s belongs to another rider", ErrForbidden, rideID)
	}
	if ride.Status != models.RideAccepted && ride.Status != models.RideOngoing {
		return fmt.Errorf("%w: ride %s is %s, nothing to track", ErrConflict, rideID, ride.Status)
	}
	if err := s.Tracker.Subscribe(conn, rideID, ride.DriverID); err != nil {
		return fmt.Errorf("%w: ride %s: %w", ErrConflict, rideID, err)
	}
	return nil
}

// OnSettlementResult records the settlement outcome reported for a ride.
// Repeated or out-of-order reports are accepted without changing anything:
// paid is final, and failed may still turn into paid on a later retry.
func (s *Service) OnSettlementResult(ctx context.Context, rideID string, outcome models.PaymentStatus) error {
	var from []models.PaymentStatus
	switch outcome {
	case models.PaymentPaid:
		from = []models.PaymentStatus{models.PaymentPending, models.PaymentFailed}
	case models.PaymentFailed:
		from = []models.PaymentStatus{models.PaymentPending}
	default:
		return fmt.Errorf("%w: unknown settlement outcome %q", ErrValidation, outcome)
	}

	updated, err := s.Store.UpdatePayment(ctx, rideID, from, outcome)
	if err == nil {
		observability.SettlementsTotal.WithLabelValues("result", string(outcome)).Inc()
		s.Logger.Info("settlement recorded", "ride_id", rideID, "payment_status", updated.PaymentStatus)
		return nil
	}
	if !errors.Is(err, storage.ErrStaleState) {
		return storeErr(rideID, err)
	}

	ride, err := s.load(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status != models.RideCompleted {
		return fmt.Errorf("%w: ride %s is %s, not completed", ErrConflict, rideID, ride.Status)
	}
	observability.SettlementsTotal.WithLabelValues("result", "ignored").Inc()
	s.Logger.Info("settlement result ignored", "ride_id", rideID, "outcome", outcome, "payment_status", ride.PaymentStatus)
	return nil
}

// WaitSettlements blocks until in-flight settlement calls have returned.
func (s *Service) WaitSettlements() {
	s.settling.Wait()
}

func (s *Service) settle(ctx context.Context, ride *models.Ride) {
	if s.Settler == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	s.settling.Add(1)
	go func() {
		defer s.settling.Done()
		sctx, cancel := context.WithTimeout(base, s.SettlementTimeout)
		defer cancel()

		if ride.Fare == 0 {
			// nothing to charge
			if err := s.OnSettlementResult(sctx, ride.ID, models.PaymentPaid); err != nil {
				s.Logger.Error("record free ride settlement", "ride_id", ride.ID, "error", err)
			}
			return
		}
		err := s.Settler.Settle(sctx, ride.ID, ride.Fare)
		if err == nil {
			observability.SettlementsTotal.WithLabelValues("invoke", "ok").Inc()
			s.Logger.Info("settlement invoked", "ride_id", ride.ID, "fare", ride.Fare)
			return
		}
		observability.SettlementsTotal.WithLabelValues("invoke", "error").Inc()
		s.Logger.Error("settlement invocation failed", "ride_id", ride.ID, "error", err)

		rctx, rcancel := context.WithTimeout(base, s.SettlementTimeout)
		defer rcancel()
		if err := s.OnSettlementResult(rctx, ride.ID, models.PaymentFailed); err != nil {
			s.Logger.Error("record settlement failure", "ride_id", ride.ID, "error", err)
		}
	}()
}

func (s *Service) load(ctx context.Context, rideID string) (*models.Ride, error) {
	if strings.TrimSpace(rideID) == "" {
		return nil, fmt.Errorf("%w: ride id is required", ErrValidation)
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, storeErr(rideID, err)
	}
	return ride, nil
}

func (s *Service) committed(ctx context.Context, from models.RideStatus, ride *models.Ride, actor models.Actor) {
	observability.RideTransitions.WithLabelValues(string(from), string(ride.Status)).Inc()
	s.Logger.Info("ride transition", "ride_id", ride.ID, "from", from, "to", ride.Status, "driver_id", ride.DriverID, "actor_role", actor.Role)
	s.publish(ctx, from, ride, actor)
}

func (s *Service) publish(ctx context.Context, from models.RideStatus, ride *models.Ride, actor models.Actor) {
	if s.Events == nil {
		return
	}
	ev := models.RideEvent{
		RideID:     ride.ID,
		FromStatus: from,
		ToStatus:   ride.Status,
		DriverID:   ride.DriverID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Fare:       ride.Fare,
		At:         ride.UpdatedAt,
	}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.Logger.Warn("publish ride event", "ride_id", ride.ID, "to", ride.Status, "error", err)
	}
}

func (s *Service) reject(op, reason string, err error) error {
	observability.RideTransitionRejections.WithLabelValues(op, reason).Inc()
	s.Logger.Debug("ride transition rejected", "op", op, "reason", reason, "error", err)
	return err
}
