package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

var rideCols = []string{"id", "rider_id", "driver_id", "pickup_address", "pickup_lat", "pickup_lng", "drop_address",
	"drop_lat", "drop_lng", "vehicle_type", "fare", "status", "payment_status", "cancelled_by", "created_at", "updated_at"}

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_SaveRide(t *testing.T) {
	store, mock := setupMockStore(t)
	r := newRide("ride1", time.Now())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rides")).
		WithArgs(r.ID, r.RiderID, nil, "A", 12.9, 77.6, "B", 13.0, 77.7, "car", 250.0, "requested", "none", nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.SaveRide(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRide(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("ride1").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("ride1", "r1", "d1", "A", 12.9, 77.6, "B", 13.0, 77.7, "car", 250.0, "accepted", "none", nil, now, now))

	r, err := store.GetRide(context.Background(), "ride1")
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DriverID)
	assert.Equal(t, models.RideAccepted, r.Status)
	assert.Equal(t, models.VehicleCar, r.VehicleType)
	assert.Equal(t, 250.0, r.Fare)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRideNotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rideCols))

	_, err := store.GetRide(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_TransitionRideApplied(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rides")).
		WithArgs("accepted", "d1", nil, nil, sqlmock.AnyArg(), "ride1", "requested", nil).
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("ride1", "r1", "d1", "A", 12.9, 77.6, "B", 13.0, 77.7, "car", 250.0, "accepted", "none", nil, now, now))

	r, err := store.TransitionRide(context.Background(), Transition{
		RideID: "ride1", From: models.RideRequested, To: models.RideAccepted, Driver: "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DriverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRideStale(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rides")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ride1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.TransitionRide(context.Background(), Transition{
		RideID: "ride1", From: models.RideRequested, To: models.RideAccepted, Driver: "d2",
	})
	assert.ErrorIs(t, err, ErrStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRideMissing(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE rides")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ride9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.TransitionRide(context.Background(), Transition{
		RideID: "ride9", From: models.RideRequested, To: models.RideAccepted, Driver: "d2",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdatePayment(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SET payment_status = $1")).
		WithArgs("paid", sqlmock.AnyArg(), "ride1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("ride1", "r1", "d1", "A", 12.9, 77.6, "B", 13.0, 77.7, "car", 250.0, "completed", "paid", nil, now, now))

	r, err := store.UpdatePayment(context.Background(), "ride1",
		[]models.PaymentStatus{models.PaymentPending, models.PaymentFailed}, models.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, r.PaymentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRides(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 ORDER BY created_at ASC LIMIT $2")).
		WithArgs("requested", 100).
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("a", "r1", nil, "A", 12.9, 77.6, "B", 13.0, 77.7, "bike", 40.0, "requested", "none", nil, now, now).
			AddRow("b", "r2", nil, "C", 12.8, 77.5, "D", 13.1, 77.8, "auto", 90.0, "requested", "none", nil, now, now))

	got, err := store.ListRides(context.Background(), models.RideRequested, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "", got[0].DriverID)
	assert.Equal(t, models.VehicleAuto, got[1].VehicleType)
}
