package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayBooking creates a booking waiting on the gateway for seat 2 over the full route (500000 VND)
func (f *fixture) gatewayBooking(userID uuid.UUID) *models.InitBookingResponse {
	f.t.Helper()
	init := f.mustInit(userID, 0, 4, f.seat(2))
	f.mustAttach(userID, init.BookingCode, models.PaymentMethodGateway, f.seat(2))
	return init
}

func (f *fixture) callback(evt payment.CallbackEvent) (*CallbackResult, error) {
	return f.payments.HandleGatewayCallback(context.Background(), callbackPayloadJSON(f.t, evt), "valid")
}

func successEvent(id, code string, amount float64) payment.CallbackEvent {
	return payment.CallbackEvent{
		EventID:     id,
		Type:        "checkout.session.completed",
		Kind:        payment.CallbackSuccess,
		BookingCode: code,
		Reference:   "cs_" + code,
		Amount:      amount,
		Currency:    "VND",
	}
}

func TestHandleGatewayCallback_Success(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	init := f.gatewayBooking(userID)

	result, err := f.callback(successEvent("evt_1", init.BookingCode, 500000))
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPaid, result.Status)
	assert.False(t, result.Duplicate)

	b := f.store.booking(init.BookingCode)
	assert.Equal(t, models.BookingStatusPaid, b.Status)
	assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
	assert.Len(t, f.store.auditsOf(models.PaymentEventWebhookReceived), 1)
	assert.Len(t, f.store.auditsOf(models.PaymentEventSuccess), 1)

	t.Run("redelivery is acknowledged without effect", func(t *testing.T) {
		result, err := f.callback(successEvent("evt_1", init.BookingCode, 500000))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
		assert.Len(t, f.store.auditsOf(models.PaymentEventDuplicate), 1)
	})

	t.Run("a second success event for a paid booking changes nothing", func(t *testing.T) {
		result, err := f.callback(successEvent("evt_2", init.BookingCode, 500000))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Equal(t, models.BookingStatusPaid, result.Status)
		assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
		assert.Zero(t, result.Credited)
		assert.Empty(t, f.store.auditsOf(models.PaymentEventReconciliationMismatch))
	})
}

func TestHandleGatewayCallback_Failure(t *testing.T) {
	f := newFixture(t)
	init := f.gatewayBooking(uuid.New())

	result, err := f.callback(payment.CallbackEvent{
		EventID:     "evt_fail",
		Type:        "checkout.session.async_payment_failed",
		Kind:        payment.CallbackFailure,
		BookingCode: init.BookingCode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPaymentFailed, result.Status)

	b := f.store.booking(init.BookingCode)
	assert.Equal(t, "gateway reported checkout.session.async_payment_failed", *b.StatusReason)
	assert.Equal(t, models.SeatStatusFree, f.occupancy(0, 4)[f.seat(2)])
	assert.Len(t, f.store.auditsOf(models.PaymentEventFailed), 1)
}

func TestHandleGatewayCallback_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 0, "1234")
	init := f.gatewayBooking(userID)

	result, err := f.callback(successEvent("evt_short", init.BookingCode, 100000))
	require.NoError(t, err)

	assert.Equal(t, models.BookingStatusPaymentFailed, result.Status)
	assert.Equal(t, float64(100000), result.Credited)
	assert.Equal(t, float64(100000), f.store.wallet(userID).Balance)
	assert.Empty(t, f.store.ticketsOf(init.BookingID))

	mismatches := f.store.auditsOf(models.PaymentEventReconciliationMismatch)
	require.Len(t, mismatches, 1)
	assert.False(t, *mismatches[0].AmountsMatch)
}

func TestHandleGatewayCallback_SuccessAfterExpiry(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 0, "1234")
	init := f.gatewayBooking(userID)

	f.clock.Advance(11 * time.Minute)

	result, err := f.callback(successEvent("evt_late", init.BookingCode, 500000))
	require.NoError(t, err)

	assert.Equal(t, models.BookingStatusCancelled, result.Status)
	assert.Equal(t, float64(500000), result.Credited)
	assert.Equal(t, float64(500000), f.store.wallet(userID).Balance)
	assert.Equal(t, models.ReasonExpired, *f.store.booking(init.BookingCode).StatusReason)
	assert.Len(t, f.store.auditsOf(models.PaymentEventReconciliationMismatch), 1)
}

func TestHandleGatewayCallback_SuccessAfterSweep(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 0, "1234")
	init := f.gatewayBooking(userID)

	f.clock.Advance(11 * time.Minute)
	_, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.BookingStatusCancelled, f.store.booking(init.BookingCode).Status)

	result, err := f.callback(successEvent("evt_after_sweep", init.BookingCode, 500000))
	require.NoError(t, err)
	assert.Equal(t, float64(500000), result.Credited)
	assert.Equal(t, models.BookingStatusCancelled, f.store.booking(init.BookingCode).Status)
}

func TestHandleGatewayCallback_TicketConflictCompensates(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 0, "1234")
	init := f.gatewayBooking(userID)

	f.store.failOnce("InsertTickets", &models.SeatConflictError{TripID: f.trip.ID, SeatIDs: []uuid.UUID{f.seat(2)}})

	result, err := f.callback(successEvent("evt_conflict", init.BookingCode, 500000))
	require.NoError(t, err)

	assert.Equal(t, models.BookingStatusPaymentFailed, result.Status)
	assert.Equal(t, float64(500000), f.store.wallet(userID).Balance)
	assert.Empty(t, f.store.ticketsOf(init.BookingID))
	assert.Equal(t, 0, f.store.lockCount(f.trip.ID))
	assert.Len(t, f.store.auditsOf(models.PaymentEventWebhookReceived), 1)
}

func TestHandleGatewayCallback_NotApplied(t *testing.T) {
	f := newFixture(t)

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.payments.HandleGatewayCallback(context.Background(), []byte(`{}`), "forged")
		assert.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("unrelated event type", func(t *testing.T) {
		result, err := f.callback(payment.CallbackEvent{EventID: "evt_x", Type: "customer.created", Kind: payment.CallbackIgnored})
		require.NoError(t, err)
		assert.True(t, result.Ignored)
	})

	t.Run("unknown booking is acknowledged and audited", func(t *testing.T) {
		result, err := f.callback(successEvent("evt_ghost", "NOSUCHCODE", 1000))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)

		audits := f.store.auditsOf(models.PaymentEventWebhookReceived)
		require.Len(t, audits, 1)
		assert.Equal(t, models.ErrBookingNotFound.Error(), *audits[0].ErrorMessage)

		again, err := f.callback(successEvent("evt_ghost", "NOSUCHCODE", 1000))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
	})

	t.Run("no gateway configured", func(t *testing.T) {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		orch := NewPaymentOrchestrator(f.store, f.bookings, nil, nil, logger)
		_, err := orch.HandleGatewayCallback(context.Background(), []byte(`{}`), "valid")
		assert.ErrorIs(t, err, models.ErrPaymentGatewayUnavailable)
	})
}

func (f *fixture) walletBooking(userID uuid.UUID) *models.InitBookingResponse {
	f.t.Helper()
	init := f.mustInit(userID, 0, 4, f.seat(2))
	f.mustAttach(userID, init.BookingCode, models.PaymentMethodWallet, f.seat(2))
	return init
}

func TestHandleGatewayCallback_SupersededSession(t *testing.T) {
	t.Run("capture of an abandoned checkout after a wallet payment is credited", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()
		f.giveWallet(userID, 800000, "1234")
		init := f.gatewayBooking(userID)

		f.mustAttach(userID, init.BookingCode, models.PaymentMethodWallet, f.seat(2))
		_, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
		require.NoError(t, err)
		require.Equal(t, float64(300000), f.store.wallet(userID).Balance)

		result, err := f.callback(successEvent("evt_late", init.BookingCode, 500000))
		require.NoError(t, err)
		assert.Equal(t, models.BookingStatusPaid, result.Status)
		assert.Equal(t, float64(500000), result.Credited)

		assert.Equal(t, float64(800000), f.store.wallet(userID).Balance)
		assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
		assert.Len(t, f.store.auditsOf(models.PaymentEventReconciliationMismatch), 1)
	})

	t.Run("failure of an abandoned checkout leaves the wallet booking pending", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()
		init := f.gatewayBooking(userID)
		f.mustAttach(userID, init.BookingCode, models.PaymentMethodWallet, f.seat(2))

		result, err := f.callback(payment.CallbackEvent{
			EventID:     "evt_expired",
			Type:        "checkout.session.expired",
			Kind:        payment.CallbackFailure,
			BookingCode: init.BookingCode,
			Reference:   "cs_" + init.BookingCode,
		})
		require.NoError(t, err)
		assert.Equal(t, models.BookingStatusPending, result.Status)
		assert.Equal(t, models.BookingStatusPending, f.store.booking(init.BookingCode).Status)
		assert.Equal(t, models.SeatStatusLocked, f.occupancy(0, 4)[f.seat(2)])
	})

	t.Run("failure of the current checkout fails the booking", func(t *testing.T) {
		f := newFixture(t)
		init := f.gatewayBooking(uuid.New())

		result, err := f.callback(payment.CallbackEvent{
			EventID:     "evt_expired",
			Type:        "checkout.session.expired",
			Kind:        payment.CallbackFailure,
			BookingCode: init.BookingCode,
			Reference:   "cs_" + init.BookingCode,
		})
		require.NoError(t, err)
		assert.Equal(t, models.BookingStatusPaymentFailed, result.Status)
	})
}

func TestPayWithWallet_Success(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 800000, "1234")
	init := f.walletBooking(userID)

	b, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
	require.NoError(t, err)

	assert.Equal(t, models.BookingStatusPaid, b.Status)
	assert.Equal(t, float64(300000), f.store.wallet(userID).Balance)
	require.NotNil(t, b.PaymentReference)
	assert.Contains(t, *b.PaymentReference, "wallet:")
	assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
	assert.Len(t, f.store.auditsOf(models.PaymentEventWalletDebited), 1)

	t.Run("paying again returns the paid booking without a second debit", func(t *testing.T) {
		again, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
		require.NoError(t, err)
		assert.Equal(t, models.BookingStatusPaid, again.Status)
		assert.Equal(t, *b.PaymentReference, *again.PaymentReference)
		assert.Len(t, again.Tickets, 1)

		assert.Equal(t, float64(300000), f.store.wallet(userID).Balance)
		assert.Len(t, f.store.ticketsOf(init.BookingID), 1)
		assert.Len(t, f.store.auditsOf(models.PaymentEventWalletDebited), 1)
	})
}

func TestPayWithWallet_Failures(t *testing.T) {
	tests := []struct {
		name       string
		balance    float64
		pin        string
		wantStatus models.BookingStatus
	}{
		{"wrong pin", 800000, "0000", models.BookingStatusPaymentFailed},
		{"insufficient balance", 100000, "1234", models.BookingStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			userID := uuid.New()
			f.giveWallet(userID, tt.balance, "1234")
			init := f.walletBooking(userID)

			b, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, tt.pin)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrPaymentFailed)

			var pfErr *models.PaymentFailedError
			require.True(t, errors.As(err, &pfErr))
			assert.Equal(t, tt.wantStatus, pfErr.Status)
			assert.Equal(t, tt.wantStatus, b.Status)

			assert.Equal(t, tt.balance, f.store.wallet(userID).Balance)
			assert.Equal(t, models.SeatStatusFree, f.occupancy(0, 4)[f.seat(2)])
			assert.Len(t, f.store.auditsOf(models.PaymentEventWalletRejected), 1)

			_, err = f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
			assert.ErrorIs(t, err, models.ErrBookingNotPending)
			assert.Equal(t, tt.wantStatus, f.store.booking(init.BookingCode).Status)
			assert.Equal(t, tt.balance, f.store.wallet(userID).Balance)
		})
	}
}

func TestPayWithWallet_Preconditions(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.giveWallet(userID, 800000, "1234")

	t.Run("gateway booking", func(t *testing.T) {
		init := f.mustInit(userID, 0, 1, f.seat(0))
		f.mustAttach(userID, init.BookingCode, models.PaymentMethodGateway, f.seat(0))
		_, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
		assert.ErrorIs(t, err, models.ErrInvalidRequest)
	})

	t.Run("no wallet", func(t *testing.T) {
		other := uuid.New()
		init := f.walletBooking(other)
		_, err := f.payments.PayWithWallet(context.Background(), other, init.BookingCode, "1234")
		assert.ErrorIs(t, err, models.ErrWalletNotFound)
		assert.Equal(t, models.BookingStatusPending, f.store.booking(init.BookingCode).Status)
	})

	t.Run("expired", func(t *testing.T) {
		init := f.mustInit(userID, 1, 2, f.seat(1))
		f.mustAttach(userID, init.BookingCode, models.PaymentMethodWallet, f.seat(1))
		f.clock.Advance(10 * time.Minute)

		b, err := f.payments.PayWithWallet(context.Background(), userID, init.BookingCode, "1234")
		assert.ErrorIs(t, err, models.ErrBookingExpired)
		assert.Equal(t, models.BookingStatusCancelled, b.Status)
		assert.Equal(t, float64(800000), f.store.wallet(userID).Balance)
	})
}
