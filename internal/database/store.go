package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/railtix/reservation-core/internal/models"
)

// Repository is the query surface of the reservation core. The same methods run
// against the pool or inside a transaction handed out by Store.WithTx.
// Single-row getters return (nil, nil) when nothing matches.
type Repository interface {
	// Trip catalog (read-mostly)
	GetTrip(ctx context.Context, tripID uuid.UUID) (*models.Trip, error)
	ListTripSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error)
	SetDepartureDelay(ctx context.Context, tripID uuid.UUID, minutes int) error
	SetArrivalDelay(ctx context.Context, tripID uuid.UUID, minutes int) error
	CancelTrip(ctx context.Context, tripID uuid.UUID, reason string, at time.Time) (bool, error)
	NextTripEventSeq(ctx context.Context, tripID uuid.UUID) (int64, error)

	// Seat locks
	LockTrip(ctx context.Context, tripID uuid.UUID) error
	LockUser(ctx context.Context, userID uuid.UUID) error
	ListTripLocks(ctx context.Context, tripID uuid.UUID) ([]models.SeatLock, error)
	PurgeExpiredLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID, now time.Time) (int64, error)
	InsertSeatLocks(ctx context.Context, locks []models.SeatLock) error
	ListLocksByHolder(ctx context.Context, holderID uuid.UUID) ([]models.SeatLock, error)
	DeleteLocksByHolder(ctx context.Context, holderID uuid.UUID) (int64, error)
	DeleteSeatLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID) ([]models.SeatLock, error)
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.SeatLock, error)

	// Bookings
	CountActivePendingBookings(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)
	InsertBooking(ctx context.Context, b *models.Booking) error
	GetBookingByCode(ctx context.Context, code string) (*models.Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	UpdateBookingPassengers(ctx context.Context, id uuid.UUID, meta models.BookingMetadata, total float64, method models.PaymentMethod) error
	SetPaymentReference(ctx context.Context, id uuid.UUID, reference string) error
	TransitionBooking(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason string, at time.Time) (bool, error)
	ListExpiredPendingBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error)
	ListBookingsByTrip(ctx context.Context, tripID uuid.UUID, statuses []models.BookingStatus) ([]*models.Booking, error)

	// Tickets
	InsertTickets(ctx context.Context, tickets []models.Ticket) error
	ListTicketsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Ticket, error)
	ListActiveTickets(ctx context.Context, tripID uuid.UUID) ([]models.Ticket, error)
	MarkTicketsRefunded(ctx context.Context, bookingID uuid.UUID, at time.Time) (int64, error)

	// Wallet
	GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	ApplyWalletTransaction(ctx context.Context, txn models.WalletTransaction) (float64, error)

	// Payment audit
	LogPaymentAudit(ctx context.Context, audit *models.PaymentAudit) error
	HasProviderEvent(ctx context.Context, providerEventID string) (bool, error)
}

// Store hands out transactional views of the Repository
type Store interface {
	Repository
	// WithTx runs fn in a read-committed transaction; any error rolls it back
	WithTx(ctx context.Context, fn func(repo Repository) error) error
	// ReadSnapshot runs fn in a read-only repeatable-read transaction
	ReadSnapshot(ctx context.Context, fn func(repo Repository) error) error
}

// PostgresStore implements Store over a sqlx pool
type PostgresStore struct {
	*queries
	db *sqlx.DB
}

// NewPostgresStore creates a new store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{queries: &queries{db: db}, db: db}
}

// WithTx begins a transaction, runs fn and commits. Rollback happens on error or panic.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(repo Repository) error) error {
	return s.inTx(ctx, nil, fn)
}

// ReadSnapshot gives fn a consistent view of tickets and locks
func (s *PostgresStore) ReadSnapshot(ctx context.Context, fn func(repo Repository) error) error {
	return s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *PostgresStore) inTx(ctx context.Context, opts *sql.TxOptions, fn func(repo Repository) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("failed to rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cErr)
		}
	}()

	return fn(&queries{db: tx})
}

// queries implements Repository over either the pool or a transaction
type queries struct {
	db sqlx.ExtContext
}

// pgExclusionViolation is raised by the seat_locks / tickets overlap constraints
const pgExclusionViolation = "23P01"

func isExclusionViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgExclusionViolation
}
