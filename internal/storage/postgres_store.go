package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const createBookingsTable = `CREATE TABLE IF NOT EXISTS bookings (
	id            BIGINT PRIMARY KEY,
	rider_id      TEXT NOT NULL,
	driver_id     TEXT,
	pickup_lat    DOUBLE PRECISION NOT NULL,
	pickup_lon    DOUBLE PRECISION NOT NULL,
	dest_lat      DOUBLE PRECISION NOT NULL,
	dest_lon      DOUBLE PRECISION NOT NULL,
	passengers    INTEGER NOT NULL CHECK (passengers >= 1),
	vehicle_class TEXT NOT NULL,
	distance_km   DOUBLE PRECISION NOT NULL,
	fare          DOUBLE PRECISION NOT NULL,
	eta_minutes   DOUBLE PRECISION NOT NULL,
	status        TEXT NOT NULL,
	scheduled_at  TIMESTAMPTZ,
	canceled_by   TEXT,
	rejected_by   TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createBookingsTable)
	return err
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, passengers, vehicle_class, distance_km, fare, eta_minutes, status, scheduled_at, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		b.ID, b.RiderID, nullString(b.DriverID), b.Pickup.Lat, b.Pickup.Lon, b.Destination.Lat, b.Destination.Lon, b.Passengers, string(b.VehicleClass),
		b.DistanceKm, b.Fare, b.ETAMinutes, string(b.Status), b.ScheduledAt, b.CreatedAt, b.UpdatedAt)
	return err
}

// UpdateBooking is a compare-and-set on status: zero affected rows means another
// writer got there first.
func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking, prev models.BookingStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET driver_id=$1, status=$2, distance_km=$3, fare=$4, eta_minutes=$5, canceled_by=$6, rejected_by=$7, updated_at=$8 WHERE id=$9 AND status=$10`,
		nullString(b.DriverID), string(b.Status), b.DistanceKm, b.Fare, b.ETAMinutes, nullString(b.CanceledBy), nullString(b.RejectedBy), b.UpdatedAt, b.ID, string(prev))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("booking %d not in status %s: %w", b.ID, prev, models.ErrConflict)
	}
	return nil
}

// MaxBookingID lets the manager resume id assignment after a restart.
func (p *PostgresStore) MaxBookingID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := p.db.QueryRowContext(ctx, `SELECT MAX(id) FROM bookings`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
