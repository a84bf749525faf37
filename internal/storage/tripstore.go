package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrStaleState is returned when a transition's expected status, driver
	// or payment status no longer matches the stored ride.
	ErrStaleState = errors.New("ride state changed")
	ErrDuplicate  = errors.New("ride already exists")
)

// Transition is an atomic compare-and-set on a ride's status and driver.
type Transition struct {
	RideID string

	From         models.RideStatus
	ExpectDriver string // "" means the ride must have no driver

	To          models.RideStatus
	Driver      string               // driver after the write, "" clears it
	Payment     models.PaymentStatus // left untouched when empty
	CancelledBy models.Role
}

// RideStore defines persistence operations for rides.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, status models.RideStatus, limit int) ([]*models.Ride, error)
	TransitionRide(ctx context.Context, t Transition) (*models.Ride, error)
	// UpdatePayment sets the payment status if the ride is completed and its
	// current payment status is one of from.
	UpdatePayment(ctx context.Context, id string, from []models.PaymentStatus, to models.PaymentStatus) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRides(_ context.Context, status models.RideStatus, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, t Transition) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != t.From || r.DriverID != t.ExpectDriver {
		return nil, ErrStaleState
	}
	r.Status = t.To
	r.DriverID = t.Driver
	if t.Payment != "" {
		r.PaymentStatus = t.Payment
	}
	if t.CancelledBy != "" {
		r.CancelledBy = t.CancelledBy
	}
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, id string, from []models.PaymentStatus, to models.PaymentStatus) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideCompleted || !containsPayment(from, r.PaymentStatus) {
		return nil, ErrStaleState
	}
	r.PaymentStatus = to
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func containsPayment(set []models.PaymentStatus, p models.PaymentStatus) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}
