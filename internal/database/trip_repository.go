package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/railtix/reservation-core/internal/models"
)

// GetTrip retrieves a trip with its ordered station list
func (q *queries) GetTrip(ctx context.Context, tripID uuid.UUID) (*models.Trip, error) {
	var trip models.Trip
	query := `
		SELECT id, train_id, route_id, departure_time, arrival_time,
		       departure_delay_minutes, arrival_delay_minutes, status,
		       cancellation_reason, cancelled_at, updated_at
		FROM trips
		WHERE id = $1`

	err := sqlx.GetContext(ctx, q.db, &trip, query, tripID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}

	stationsQuery := `
		SELECT ts.station_id, s.name, ts.stop_index, ts.distance_km
		FROM trip_stations ts
		JOIN stations s ON s.id = ts.station_id
		WHERE ts.trip_id = $1
		ORDER BY ts.stop_index`

	if err := sqlx.SelectContext(ctx, q.db, &trip.Stations, stationsQuery, tripID); err != nil {
		return nil, fmt.Errorf("failed to get trip stations: %w", err)
	}

	return &trip, nil
}

// ListTripSeats returns every seat of the train running the trip
func (q *queries) ListTripSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error) {
	var seats []models.Seat
	query := `
		SELECT s.id, s.coach_id, c.coach_number, s.seat_number, s.row_number, s.position,
		       s.tier, s.fare_class, s.base_price, s.disabled, s.created_at
		FROM trips t
		JOIN coaches c ON c.train_id = t.train_id
		JOIN seats s ON s.coach_id = c.id
		WHERE t.id = $1
		ORDER BY c.coach_number, s.row_number, s.position`

	if err := sqlx.SelectContext(ctx, q.db, &seats, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to list trip seats: %w", err)
	}
	return seats, nil
}

// SetDepartureDelay records the departure delay in minutes
func (q *queries) SetDepartureDelay(ctx context.Context, tripID uuid.UUID, minutes int) error {
	return q.setDelay(ctx, `UPDATE trips SET departure_delay_minutes = $1, updated_at = NOW() WHERE id = $2`, tripID, minutes)
}

// SetArrivalDelay records the arrival delay in minutes
func (q *queries) SetArrivalDelay(ctx context.Context, tripID uuid.UUID, minutes int) error {
	return q.setDelay(ctx, `UPDATE trips SET arrival_delay_minutes = $1, updated_at = NOW() WHERE id = $2`, tripID, minutes)
}

func (q *queries) setDelay(ctx context.Context, query string, tripID uuid.UUID, minutes int) error {
	result, err := q.db.ExecContext(ctx, query, minutes, tripID)
	if err != nil {
		return fmt.Errorf("failed to update trip delay: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrTripNotFound
	}
	return nil
}

// CancelTrip marks a trip cancelled. Returns false when it already was.
func (q *queries) CancelTrip(ctx context.Context, tripID uuid.UUID, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE trips
		SET status = $1, cancellation_reason = $2, cancelled_at = $3, updated_at = $3
		WHERE id = $4 AND status <> $1`

	result, err := q.db.ExecContext(ctx, query, models.TripStatusCancelled, reason, at, tripID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel trip: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// NextTripEventSeq bumps the trip's event sequence. The row lock is held until commit,
// so sequence order is commit order. Returns 0 for an unknown trip.
func (q *queries) NextTripEventSeq(ctx context.Context, tripID uuid.UUID) (int64, error) {
	var seq int64
	query := `UPDATE trips SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq`

	err := sqlx.GetContext(ctx, q.db, &seq, query, tripID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to advance trip event sequence: %w", err)
	}
	return seq, nil
}
