package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/models"
)

// OpenPostgres opens and pings the database shared by the postgres-backed
// stores below.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// PostgresRideStore persists rides with the version column as the
// optimistic lock.
type PostgresRideStore struct {
	db *sql.DB
}

func NewPostgresRideStore(db *sql.DB) *PostgresRideStore { return &PostgresRideStore{db: db} }

func (p *PostgresRideStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, fare_estimate, payment_ref, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, nullIfEmpty(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, r.Status, r.FareEstimate, nullIfEmpty(r.PaymentRef), r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "insert ride")
	}
	return nil
}

func (p *PostgresRideStore) Load(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, fare_estimate, payment_ref, version, created_at, updated_at FROM rides WHERE id=$1`, id)
	var r models.Ride
	var driverID, paymentRef sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &r.Status, &r.FareEstimate, &paymentRef, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.ErrNotFound
	}
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeUnavailable, "load ride")
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	return &r, nil
}

func (p *PostgresRideStore) Save(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, fare_estimate=$3, payment_ref=$4, version=$5, updated_at=$6 WHERE id=$7 AND version=$8`,
		nullIfEmpty(r.DriverID), r.Status, r.FareEstimate, nullIfEmpty(r.PaymentRef), r.Version, r.UpdatedAt, r.ID, expectedVersion)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "save ride")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "save ride")
	}
	if n == 0 {
		// Row exists at another version, or was never created.
		if _, err := p.Load(ctx, r.ID); err != nil {
			return err
		}
		return derrors.ErrStaleVersion
	}
	return nil
}

// PostgresSafetyStore persists safety events. The unique index on
// (submitter_id, idempotency_key) carries the dedup guarantee.
type PostgresSafetyStore struct {
	db *sql.DB
}

func NewPostgresSafetyStore(db *sql.DB) *PostgresSafetyStore { return &PostgresSafetyStore{db: db} }

func (p *PostgresSafetyStore) CreateIfAbsent(ctx context.Context, ev *models.SafetyEvent) (*models.SafetyEvent, bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO safety_events(id, ride_id, submitter_id, idempotency_key, payload_hash, lat, lon, message, status, escalation_level, assigned_ops, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (submitter_id, idempotency_key) DO NOTHING`,
		ev.ID, nullIfEmpty(ev.RideID), ev.SubmitterID, ev.IdempotencyKey, ev.PayloadHash, ev.Location.Lat, ev.Location.Lon, ev.Message, ev.Status, ev.EscalationLevel, nullIfEmpty(ev.AssignedOps), ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return nil, false, derrors.Wrap(err, derrors.CodeUnavailable, "insert safety event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, derrors.Wrap(err, derrors.CodeUnavailable, "insert safety event")
	}
	if n == 1 {
		out := *ev
		return &out, true, nil
	}
	row := p.db.QueryRowContext(ctx, safetySelect+` WHERE submitter_id=$1 AND idempotency_key=$2`, ev.SubmitterID, ev.IdempotencyKey)
	existing, err := scanSafetyEvent(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresSafetyStore) Load(ctx context.Context, id string) (*models.SafetyEvent, error) {
	row := p.db.QueryRowContext(ctx, safetySelect+` WHERE id=$1`, id)
	return scanSafetyEvent(row)
}

func (p *PostgresSafetyStore) Update(ctx context.Context, ev *models.SafetyEvent) error {
	res, err := p.db.ExecContext(ctx, `UPDATE safety_events SET status=$1, escalation_level=$2, assigned_ops=$3, updated_at=$4 WHERE id=$5`,
		ev.Status, ev.EscalationLevel, nullIfEmpty(ev.AssignedOps), ev.UpdatedAt, ev.ID)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "update safety event")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derrors.ErrNotFound
	}
	return nil
}

// PostgresOfferLog keeps an append-only audit trail of terminal offers.
type PostgresOfferLog struct {
	db *sql.DB
}

func NewPostgresOfferLog(db *sql.DB) *PostgresOfferLog { return &PostgresOfferLog{db: db} }

func (p *PostgresOfferLog) Record(ctx context.Context, offer models.MatchOffer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO match_offers(id, ride_id, driver_id, eta_seconds, expires_at, outcome) VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET outcome=EXCLUDED.outcome`,
		offer.ID, offer.RideID, offer.DriverID, offer.ETA, offer.ExpiresAt, offer.Outcome)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "record offer")
	}
	return nil
}

const safetySelect = `SELECT id, ride_id, submitter_id, idempotency_key, payload_hash, lat, lon, message, status, escalation_level, assigned_ops, created_at, updated_at FROM safety_events`

func scanSafetyEvent(row *sql.Row) (*models.SafetyEvent, error) {
	var ev models.SafetyEvent
	var rideID, assignedOps sql.NullString
	err := row.Scan(&ev.ID, &rideID, &ev.SubmitterID, &ev.IdempotencyKey, &ev.PayloadHash, &ev.Location.Lat, &ev.Location.Lon, &ev.Message, &ev.Status, &ev.EscalationLevel, &assignedOps, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.ErrNotFound
	}
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeUnavailable, "load safety event")
	}
	ev.RideID = rideID.String
	ev.AssignedOps = assignedOps.String
	return &ev, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
