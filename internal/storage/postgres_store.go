package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS ride_requests (
	id           TEXT PRIMARY KEY,
	rider_id     TEXT NOT NULL,
	driver_id    TEXT,
	pickup_lat   DOUBLE PRECISION NOT NULL,
	pickup_lng   DOUBLE PRECISION NOT NULL,
	vehicle_type TEXT NOT NULL,
	status       TEXT NOT NULL,
	radius_km    DOUBLE PRECISION NOT NULL,
	notified     JSONB NOT NULL,
	payment_ref  TEXT,
	version      BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`

const upsertRide = `INSERT INTO ride_requests(id, rider_id, driver_id, pickup_lat, pickup_lng, vehicle_type, status, radius_km, notified, payment_ref, version, created_at, closed_at, completed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, radius_km=EXCLUDED.radius_km,
	notified=EXCLUDED.notified, payment_ref=EXCLUDED.payment_ref, version=EXCLUDED.version,
	closed_at=EXCLUDED.closed_at, completed_at=EXCLUDED.completed_at
WHERE ride_requests.version < EXCLUDED.version`

type PostgresStore struct {
	db *sql.DB
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
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideRequest) error {
	notified, err := json.Marshal(r.NotifiedDrivers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, upsertRide,
		r.ID, r.RiderID, nullString(r.AcceptedBy), r.Pickup.Lat, r.Pickup.Lng, r.VehicleType, string(r.Status),
		r.Radius, notified, nullString(r.PaymentRef), r.Version, r.CreatedAt, r.ClosedAt, r.CompletedAt)
	if err != nil {
		return models.Transient(err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
