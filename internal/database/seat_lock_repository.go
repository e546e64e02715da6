package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/railtix/reservation-core/internal/models"
)

const seatLockColumns = `trip_id, seat_id, holder_id, from_index, to_index, acquired_at, expires_at`

// LockTrip takes the per-trip single-writer lock for the rest of the transaction.
// Outside a transaction it is released immediately and has no effect.
func (q *queries) LockTrip(ctx context.Context, tripID uuid.UUID) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tripID.String()); err != nil {
		return fmt.Errorf("failed to lock trip: %w", err)
	}
	return nil
}

// LockUser serializes a user's booking inits so the pending-booking cap cannot be raced.
// Always taken before any trip lock.
func (q *queries) LockUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "user:"+userID.String()); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// ListTripLocks returns every lock row of a trip, expired ones included
func (q *queries) ListTripLocks(ctx context.Context, tripID uuid.UUID) ([]models.SeatLock, error) {
	var locks []models.SeatLock
	query := `SELECT ` + seatLockColumns + ` FROM seat_locks WHERE trip_id = $1`

	if err := sqlx.SelectContext(ctx, q.db, &locks, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to list trip locks: %w", err)
	}
	return locks, nil
}

// PurgeExpiredLocks deletes lapsed locks on the given seats so they no longer trip the overlap constraint
func (q *queries) PurgeExpiredLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID, now time.Time) (int64, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
		DELETE FROM seat_locks
		WHERE trip_id = ? AND expires_at <= ? AND seat_id IN (?)`,
		tripID, now, seatIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to build purge query: %w", err)
	}
	query = q.db.Rebind(query)

	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired locks: %w", err)
	}
	return result.RowsAffected()
}

// InsertSeatLocks inserts all locks in one statement. An overlap with an existing
// lock surfaces as a SeatConflictError.
func (q *queries) InsertSeatLocks(ctx context.Context, locks []models.SeatLock) error {
	if len(locks) == 0 {
		return nil
	}

	query := `
		INSERT INTO seat_locks (` + seatLockColumns + `)
		VALUES (:trip_id, :seat_id, :holder_id, :from_index, :to_index, :acquired_at, :expires_at)`

	if _, err := sqlx.NamedExecContext(ctx, q.db, query, locks); err != nil {
		if isExclusionViolation(err) {
			seatIDs := make([]uuid.UUID, len(locks))
			for i, l := range locks {
				seatIDs[i] = l.SeatID
			}
			return &models.SeatConflictError{TripID: locks[0].TripID, SeatIDs: seatIDs}
		}
		return fmt.Errorf("failed to insert seat locks: %w", err)
	}
	return nil
}

// ListLocksByHolder returns the locks owned by a booking
func (q *queries) ListLocksByHolder(ctx context.Context, holderID uuid.UUID) ([]models.SeatLock, error) {
	var locks []models.SeatLock
	query := `SELECT ` + seatLockColumns + ` FROM seat_locks WHERE holder_id = $1`

	if err := sqlx.SelectContext(ctx, q.db, &locks, query, holderID); err != nil {
		return nil, fmt.Errorf("failed to list locks by holder: %w", err)
	}
	return locks, nil
}

// DeleteLocksByHolder releases every lock of a booking
func (q *queries) DeleteLocksByHolder(ctx context.Context, holderID uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM seat_locks WHERE holder_id = $1`, holderID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete locks by holder: %w", err)
	}
	return result.RowsAffected()
}

// DeleteSeatLocks releases locks on specific seats of a trip and returns what was removed
func (q *queries) DeleteSeatLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID) ([]models.SeatLock, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}

	var released []models.SeatLock
	query := `
		DELETE FROM seat_locks
		WHERE trip_id = $1 AND seat_id = ANY($2::uuid[])
		RETURNING ` + seatLockColumns

	if err := sqlx.SelectContext(ctx, q.db, &released, query, tripID, pq.Array(uuidStrings(seatIDs))); err != nil {
		return nil, fmt.Errorf("failed to delete seat locks: %w", err)
	}
	return released, nil
}

// ListExpiredLocks returns lapsed locks across all trips, oldest first
func (q *queries) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.SeatLock, error) {
	var locks []models.SeatLock
	query := `
		SELECT ` + seatLockColumns + `
		FROM seat_locks
		WHERE expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`

	if err := sqlx.SelectContext(ctx, q.db, &locks, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired locks: %w", err)
	}
	return locks, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
