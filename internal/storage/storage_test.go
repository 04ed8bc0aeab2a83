package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func finishedRide() *models.RideRequest {
	closed := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	return &models.RideRequest{
		ID:              "req-1",
		RiderID:         "rider-1",
		Pickup:          models.Coord{Lat: 28.6139, Lng: 77.2090},
		VehicleType:     "car",
		Status:          models.RideTimeout,
		Radius:          8,
		NotifiedDrivers: []string{"d1", "d2"},
		Responses:       map[string]models.DriverResponse{},
		Version:         5,
		CreatedAt:       closed.Add(-5 * time.Minute),
		ClosedAt:        &closed,
	}
}

func TestMemoryStoreKeepsCopies(t *testing.T) {
	m := NewMemoryStore()
	r := finishedRide()
	require.NoError(t, m.SaveRide(context.Background(), r))
	r.NotifiedDrivers[0] = "changed"

	got, ok := m.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "d1", got.NotifiedDrivers[0])
	assert.Equal(t, 1, m.Len())
}

func TestPostgresSaveRide(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := finishedRide()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ride_requests")).
		WithArgs("req-1", "rider-1", sqlmock.AnyArg(), 28.6139, 77.2090, "car", "timeout", 8.0,
			[]byte(`["d1","d2"]`), sqlmock.AnyArg(), int64(5), r.CreatedAt, r.ClosedAt, r.CompletedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStoreFromDB(db).SaveRide(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveRideTransientError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO ride_requests").WillReturnError(errors.New("connection reset"))
	err = NewPostgresStoreFromDB(db).SaveRide(context.Background(), finishedRide())
	assert.True(t, models.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ride_requests")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresStoreFromDB(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
