package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-tracking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const rideColumns = `id, rider_id, driver_id, pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng,
	vehicle_type, fare, status, payment_status, cancelled_by, created_at, updated_at`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_create_rides.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply 001_create_rides.sql: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, nullString(r.DriverID),
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lng,
		r.Drop.Address, r.Drop.Lat, r.Drop.Lng,
		string(r.VehicleType), r.Fare, string(r.Status), string(r.PaymentStatus), nullString(string(r.CancelledBy)),
		r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, status models.RideStatus, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRide performs the status/driver compare-and-set in a single
// UPDATE so concurrent callers cannot both observe the precondition.
func (p *PostgresStore) TransitionRide(ctx context.Context, t Transition) (*models.Ride, error) {
	var payment sql.NullString
	if t.Payment != "" {
		payment = sql.NullString{String: string(t.Payment), Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status = $1, driver_id = $2, payment_status = COALESCE($3, payment_status),
		    cancelled_by = COALESCE($4, cancelled_by), updated_at = $5
		WHERE id = $6 AND status = $7 AND driver_id IS NOT DISTINCT FROM $8::text
		RETURNING `+rideColumns,
		string(t.To), nullString(t.Driver), payment, nullString(string(t.CancelledBy)), p.now(),
		t.RideID, string(t.From), nullString(t.ExpectDriver))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missReason(ctx, t.RideID)
	}
	return r, err
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, id string, from []models.PaymentStatus, to models.PaymentStatus) (*models.Ride, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET payment_status = $1, updated_at = $2
		WHERE id = $3 AND status = 'completed' AND payment_status = ANY($4)
		RETURNING `+rideColumns,
		string(to), p.now(), id, pq.Array(allowed))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missReason(ctx, id)
	}
	return r, err
}

// missReason distinguishes an unknown ride from a failed precondition.
func (p *PostgresStore) missReason(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                  models.Ride
		driverID, cancelledBy              sql.NullString
		vehicleType, status, paymentStatus string
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lng,
		&r.Drop.Address, &r.Drop.Lat, &r.Drop.Lng,
		&vehicleType, &r.Fare, &status, &paymentStatus, &cancelledBy,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelledBy = models.Role(cancelledBy.String)
	r.VehicleType = models.VehicleType(vehicleType)
	r.Status = models.RideStatus(status)
	r.PaymentStatus = models.PaymentStatus(paymentStatus)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
