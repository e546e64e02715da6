package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestWithTx(t *testing.T) {
	tripID := uuid.New()

	t.Run("Commits On Success", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
			WithArgs(tripID.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := store.WithTx(context.Background(), func(repo Repository) error {
			return repo.LockTrip(context.Background(), tripID)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rolls Back On Error", func(t *testing.T) {
		store, mock := newMockStore(t)
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.WithTx(context.Background(), func(repo Repository) error {
			if err := repo.LockTrip(context.Background(), tripID); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Commit Failure Is Reported", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(fmt.Errorf("connection reset"))

		err := store.WithTx(context.Background(), func(repo Repository) error { return nil })
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to commit transaction")
	})
}

func TestInsertSeatLocks(t *testing.T) {
	tripID := uuid.New()
	now := time.Now()
	locks := []models.SeatLock{
		{TripID: tripID, SeatID: uuid.New(), HolderID: uuid.New(), FromIndex: 0, ToIndex: 2, AcquiredAt: now, ExpiresAt: now.Add(10 * time.Minute)},
		{TripID: tripID, SeatID: uuid.New(), HolderID: uuid.New(), FromIndex: 0, ToIndex: 2, AcquiredAt: now, ExpiresAt: now.Add(10 * time.Minute)},
	}

	t.Run("Success", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO seat_locks`).WillReturnResult(sqlmock.NewResult(0, 2))

		require.NoError(t, store.InsertSeatLocks(context.Background(), locks))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Overlap Maps To Seat Conflict", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO seat_locks`).
			WillReturnError(&pq.Error{Code: "23P01", Message: "conflicting key value violates exclusion constraint"})

		err := store.InsertSeatLocks(context.Background(), locks)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrSeatConflict)

		var conflict *models.SeatConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, tripID, conflict.TripID)
		assert.Len(t, conflict.SeatIDs, 2)
	})

	t.Run("Empty Is A No-op", func(t *testing.T) {
		store, mock := newMockStore(t)
		require.NoError(t, store.InsertSeatLocks(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPurgeExpiredLocks(t *testing.T) {
	store, mock := newMockStore(t)
	tripID := uuid.New()
	seatA, seatB := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectExec(`DELETE FROM seat_locks\s+WHERE trip_id = \$1 AND expires_at <= \$2 AND seat_id IN \(\$3, \$4\)`).
		WithArgs(tripID, now, seatA, seatB).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.PurgeExpiredLocks(context.Background(), tripID, []uuid.UUID{seatA, seatB}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBooking(t *testing.T) {
	id := uuid.New()
	now := time.Now()

	t.Run("First Transition Wins", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(models.BookingStatusPaid, nil, now, id, models.BookingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.TransitionBooking(context.Background(), id, models.BookingStatusPending, models.BookingStatusPaid, "", now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Already Resolved", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(models.BookingStatusCancelled, "expired", now, id, models.BookingStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := store.TransitionBooking(context.Background(), id, models.BookingStatusPending, models.BookingStatusCancelled, "expired", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGetBookingByCode(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		store, mock := newMockStore(t)
		id, userID, tripID := uuid.New(), uuid.New(), uuid.New()
		from, to := uuid.New(), uuid.New()
		seatID := uuid.New()
		now := time.Now()
		meta := fmt.Sprintf(`{"stage":"init","init":{"trip_id":"%s","from_station_id":"%s","to_station_id":"%s","seat_ids":["%s"]}}`,
			tripID, from, to, seatID)

		mock.ExpectQuery(`SELECT .+ FROM bookings WHERE code = \$1`).
			WithArgs("ABC123").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "code", "user_id", "trip_id", "from_station_id", "to_station_id", "from_index", "to_index",
				"status", "total_price", "currency", "payment_method", "payment_reference", "metadata",
				"status_reason", "expires_at", "created_at", "updated_at", "resolved_at",
			}).AddRow(
				id.String(), "ABC123", userID.String(), tripID.String(), from.String(), to.String(), 0, 3,
				"PENDING", 0.0, "VND", nil, nil, []byte(meta),
				nil, now.Add(10*time.Minute), now, now, nil,
			))

		b, err := store.GetBookingByCode(context.Background(), "ABC123")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, models.BookingStatusPending, b.Status)
		assert.Equal(t, models.MetadataStageInit, b.Metadata.Stage)
		assert.Equal(t, []uuid.UUID{seatID}, b.Metadata.SeatIDs())
		assert.Nil(t, b.PaymentMethod)
	})

	t.Run("Not Found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM bookings WHERE code = \$1`).
			WithArgs("NOPE").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		b, err := store.GetBookingByCode(context.Background(), "NOPE")
		require.NoError(t, err)
		assert.Nil(t, b)
	})
}

func TestApplyWalletTransaction(t *testing.T) {
	userID := uuid.New()
	bookingID := uuid.New()

	t.Run("Debit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`UPDATE wallets`).
			WithArgs(-150.0, userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(350.0))
		mock.ExpectExec(`INSERT INTO wallet_transactions`).WillReturnResult(sqlmock.NewResult(0, 1))

		balance, err := store.ApplyWalletTransaction(context.Background(), models.WalletTransaction{
			UserID: userID, BookingID: &bookingID, Type: models.WalletTxnDebit, Amount: -150,
		})
		require.NoError(t, err)
		assert.Equal(t, 350.0, balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing Wallet", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`UPDATE wallets`).WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := store.ApplyWalletTransaction(context.Background(), models.WalletTransaction{
			UserID: userID, Type: models.WalletTxnRefund, Amount: 100,
		})
		assert.ErrorIs(t, err, models.ErrWalletNotFound)
	})
}

func TestSetDepartureDelay_UnknownTrip(t *testing.T) {
	store, mock := newMockStore(t)
	tripID := uuid.New()

	mock.ExpectExec(`UPDATE trips SET departure_delay_minutes`).
		WithArgs(15, tripID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetDepartureDelay(context.Background(), tripID, 15)
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestNextTripEventSeq(t *testing.T) {
	store, mock := newMockStore(t)
	tripID := uuid.New()

	mock.ExpectQuery(`UPDATE trips SET event_seq = event_seq \+ 1 WHERE id = \$1 RETURNING event_seq`).
		WithArgs(tripID).
		WillReturnRows(sqlmock.NewRows([]string{"event_seq"}).AddRow(int64(42)))
	mock.ExpectQuery(`UPDATE trips SET event_seq`).
		WithArgs(tripID).
		WillReturnRows(sqlmock.NewRows([]string{"event_seq"}))

	seq, err := store.NextTripEventSeq(context.Background(), tripID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = store.NextTripEventSeq(context.Background(), tripID)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasProviderEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("evt_123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO payment_audits`).WillReturnResult(sqlmock.NewResult(0, 1))

	dup, err := store.HasProviderEvent(context.Background(), "evt_123")
	require.NoError(t, err)
	assert.True(t, dup)

	audit := models.NewPaymentAudit(models.PaymentEventDuplicate, models.PaymentSourceGatewayWebhook).
		SetProviderEvent("evt_123").
		MarkAsDuplicate()
	require.NoError(t, store.LogPaymentAudit(context.Background(), audit))
	assert.NoError(t, mock.ExpectationsWereMet())
}
