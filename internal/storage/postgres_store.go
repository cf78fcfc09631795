package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

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

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips(
			id, rider_id, pickup_lat, pickup_lon, pickup_address,
			dest_lat, dest_lon, dest_address,
			estimated_distance_km, estimated_cost, status, requested_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.RiderID, t.Pickup.Lat, t.Pickup.Lon, t.PickupAddress,
		t.Destination.Lat, t.Destination.Lon, t.DestinationAddress,
		t.EstimatedDistanceKm, t.EstimatedCost, t.Status, t.RequestedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	t := &models.Trip{}
	var driverID, pickupAddr, destAddr, cancelReason, paymentRef sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address,
		       estimated_distance_km, estimated_cost,
		       approach_distance_km, approach_fee, payment_ref,
		       status, cancel_reason, requested_at,
		       assigned_at, accepted_at, started_at, completed_at, cancelled_at
		FROM trips WHERE id=$1`, id).Scan(
		&t.ID, &t.RiderID, &driverID, &t.Pickup.Lat, &t.Pickup.Lon, &pickupAddr,
		&t.Destination.Lat, &t.Destination.Lon, &destAddr,
		&t.EstimatedDistanceKm, &t.EstimatedCost,
		&t.ApproachDistanceKm, &t.ApproachFee, &paymentRef,
		&t.Status, &cancelReason, &t.RequestedAt,
		&t.AssignedAt, &t.AcceptedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.PickupAddress = pickupAddr.String
	t.DestinationAddress = destAddr.String
	t.CancelReason = cancelReason.String
	t.PaymentRef = paymentRef.String
	return t, nil
}

// UpdateCAS writes the mutable trip columns guarded by the previous
// status; zero rows affected means somebody else moved the trip first.
func (p *PostgresStore) UpdateCAS(ctx context.Context, t *models.Trip, expect models.TripStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET
			driver_id=NULLIF($1,''), approach_distance_km=$2, approach_fee=$3,
			payment_ref=NULLIF($4,''), status=$5, cancel_reason=NULLIF($6,''),
			assigned_at=$7, accepted_at=$8, started_at=$9, completed_at=$10, cancelled_at=$11
		WHERE id=$12 AND status=$13`,
		t.DriverID, t.ApproachDistanceKm, t.ApproachFee,
		t.PaymentRef, t.Status, t.CancelReason,
		t.AssignedAt, t.AcceptedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.ID, expect)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
