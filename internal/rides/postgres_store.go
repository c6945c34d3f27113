package rides

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides in a single table. The accept guard is the
// literal conditional update:
//
//	UPDATE rides SET ... WHERE id=$1 AND status='pending'
//
// and RowsAffected()==0 is the losing side of the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_address, dropoff_address, distance_km, duration_min, fare, class,
	payment_method, payment_status, payment_ref, status, created_at, started_at, completed_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, r.DriverID,
		r.Pickup.Latitude, r.Pickup.Longitude, r.Dropoff.Latitude, r.Dropoff.Longitude,
		r.PickupAddress, r.DropoffAddress, r.DistanceKm, r.DurationMin, r.Fare, string(r.Class),
		string(r.PaymentMethod), string(r.PaymentStatus), r.PaymentRef, string(r.Status),
		r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt), r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) AcceptPending(ctx context.Context, rideID, driverID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET driver_id=$1, status=$2, updated_at=$3 WHERE id=$4 AND status=$5`,
		driverID, string(models.StatusAccepted), at, rideID, string(models.StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// disambiguate missing ride from lost race
		var one int
		if err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, rideID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) Transition(ctx context.Context, rideID string, from, to models.RideStatus, mutate func(*models.Ride)) error {
	if !CanTransition(from, to) {
		return ErrConflict
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if r.Status != from {
		return ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(r)
	}
	_, err = tx.ExecContext(ctx, `UPDATE rides SET driver_id=$1, payment_status=$2, payment_ref=$3,
		status=$4, started_at=$5, completed_at=$6, updated_at=$7 WHERE id=$8`,
		r.DriverID, string(r.PaymentStatus), r.PaymentRef, string(r.Status),
		nullTime(r.StartedAt), nullTime(r.CompletedAt), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var class, method, payStatus, status string
	var started, completed sql.NullTime
	err := s.Scan(&r.ID, &r.RiderID, &r.DriverID,
		&r.Pickup.Latitude, &r.Pickup.Longitude, &r.Dropoff.Latitude, &r.Dropoff.Longitude,
		&r.PickupAddress, &r.DropoffAddress, &r.DistanceKm, &r.DurationMin, &r.Fare, &class,
		&method, &payStatus, &r.PaymentRef, &status, &r.CreatedAt, &started, &completed, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Class = models.RideClass(class)
	r.PaymentMethod = models.PaymentMethod(method)
	r.PaymentStatus = models.PaymentStatus(payStatus)
	r.Status = models.RideStatus(status)
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
