package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/railtix/reservation-core/internal/models"
)

const ticketColumns = `
	id, booking_id, trip_id, seat_id, passenger_name, passenger_identity, fare,
	from_index, to_index, status, created_at, refunded_at`

// InsertTickets issues tickets in one statement. An overlap with an active ticket
// surfaces as a SeatConflictError.
func (q *queries) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	query := `
		INSERT INTO tickets (` + ticketColumns + `)
		VALUES (
			:id, :booking_id, :trip_id, :seat_id, :passenger_name, :passenger_identity, :fare,
			:from_index, :to_index, :status, :created_at, :refunded_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, q.db, query, tickets); err != nil {
		if isExclusionViolation(err) {
			seatIDs := make([]uuid.UUID, len(tickets))
			for i, t := range tickets {
				seatIDs[i] = t.SeatID
			}
			return &models.SeatConflictError{TripID: tickets[0].TripID, SeatIDs: seatIDs}
		}
		return fmt.Errorf("failed to insert tickets: %w", err)
	}
	return nil
}

// ListTicketsByBooking returns every ticket of a booking, refunded ones included
func (q *queries) ListTicketsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE booking_id = $1 ORDER BY created_at, seat_id`

	if err := sqlx.SelectContext(ctx, q.db, &tickets, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list booking tickets: %w", err)
	}
	return tickets, nil
}

// ListActiveTickets returns the non-refunded tickets of a trip
func (q *queries) ListActiveTickets(ctx context.Context, tripID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE trip_id = $1 AND status = $2`

	if err := sqlx.SelectContext(ctx, q.db, &tickets, query, tripID, models.TicketStatusActive); err != nil {
		return nil, fmt.Errorf("failed to list active tickets: %w", err)
	}
	return tickets, nil
}

// MarkTicketsRefunded flips a booking's active tickets to REFUNDED. Rows are kept for audit.
func (q *queries) MarkTicketsRefunded(ctx context.Context, bookingID uuid.UUID, at time.Time) (int64, error) {
	query := `
		UPDATE tickets
		SET status = $1, refunded_at = $2
		WHERE booking_id = $3 AND status = $4`

	result, err := q.db.ExecContext(ctx, query, models.TicketStatusRefunded, at, bookingID, models.TicketStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to refund tickets: %w", err)
	}
	return result.RowsAffected()
}
