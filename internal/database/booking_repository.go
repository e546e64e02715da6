package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/railtix/reservation-core/internal/models"
)

const bookingColumns = `
	id, code, user_id, trip_id, from_station_id, to_station_id, from_index, to_index,
	status, total_price, currency, payment_method, payment_reference, metadata,
	status_reason, expires_at, created_at, updated_at, resolved_at`

// CountActivePendingBookings counts a user's PENDING bookings whose deadline has not passed
func (q *queries) CountActivePendingBookings(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM bookings
		WHERE user_id = $1 AND status = $2 AND expires_at > $3`

	if err := sqlx.GetContext(ctx, q.db, &count, query, userID, models.BookingStatusPending, now); err != nil {
		return 0, fmt.Errorf("failed to count pending bookings: %w", err)
	}
	return count, nil
}

// InsertBooking creates a new booking
func (q *queries) InsertBooking(ctx context.Context, b *models.Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES (
			:id, :code, :user_id, :trip_id, :from_station_id, :to_station_id, :from_index, :to_index,
			:status, :total_price, :currency, :payment_method, :payment_reference, :metadata,
			:status_reason, :expires_at, :created_at, :updated_at, :resolved_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, q.db, query, b); err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// GetBookingByCode retrieves a booking by its human-readable code
func (q *queries) GetBookingByCode(ctx context.Context, code string) (*models.Booking, error) {
	return q.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE code = $1`, code)
}

// GetBookingByID retrieves a booking by id
func (q *queries) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return q.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

// GetBookingForUpdate row-locks a booking for the rest of the transaction
func (q *queries) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return q.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) getBooking(ctx context.Context, query string, arg interface{}) (*models.Booking, error) {
	var b models.Booking
	err := sqlx.GetContext(ctx, q.db, &b, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// UpdateBookingPassengers stores the passenger stage metadata and computed price.
// Any earlier checkout reference is cleared; a new session is recorded after it opens.
func (q *queries) UpdateBookingPassengers(ctx context.Context, id uuid.UUID, meta models.BookingMetadata, total float64, method models.PaymentMethod) error {
	query := `
		UPDATE bookings
		SET metadata = $1, total_price = $2, payment_method = $3, payment_reference = NULL, updated_at = NOW()
		WHERE id = $4 AND status = $5`

	result, err := q.db.ExecContext(ctx, query, meta, total, method, id, models.BookingStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update booking passengers: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrBookingNotPending
	}
	return nil
}

// SetPaymentReference stores the gateway reference (checkout session id)
func (q *queries) SetPaymentReference(ctx context.Context, id uuid.UUID, reference string) error {
	query := `UPDATE bookings SET payment_reference = $1, updated_at = NOW() WHERE id = $2`

	if _, err := q.db.ExecContext(ctx, query, reference, id); err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}
	return nil
}

// TransitionBooking moves a booking from one status to another.
// Returns false when the booking was no longer in the expected status (another transition won).
func (q *queries) TransitionBooking(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason string, at time.Time) (bool, error) {
	var statusReason *string
	if reason != "" {
		statusReason = &reason
	}

	query := `
		UPDATE bookings
		SET status = $1, status_reason = COALESCE($2, status_reason), updated_at = $3, resolved_at = $3
		WHERE id = $4 AND status = $5`

	result, err := q.db.ExecContext(ctx, query, to, statusReason, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition booking: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ListExpiredPendingBookings returns PENDING bookings past their deadline, oldest first
func (q *queries) ListExpiredPendingBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`

	if err := sqlx.SelectContext(ctx, q.db, &bookings, query, models.BookingStatusPending, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	return bookings, nil
}

// ListBookingsByTrip returns the trip's bookings in any of the given statuses
func (q *queries) ListBookingsByTrip(ctx context.Context, tripID uuid.UUID, statuses []models.BookingStatus) ([]*models.Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var bookings []*models.Booking
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE trip_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC`

	if err := sqlx.SelectContext(ctx, q.db, &bookings, query, tripID, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("failed to list trip bookings: %w", err)
	}
	return bookings, nil
}
