package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// CallbackResult describes what a gateway callback did. Every outcome is acknowledged to the gateway.
type CallbackResult struct {
	EventID     string               `json:"event_id"`
	BookingCode string               `json:"booking_code,omitempty"`
	Status      models.BookingStatus `json:"status,omitempty"`
	Duplicate   bool                 `json:"duplicate"`
	Ignored     bool                 `json:"ignored"`
	Credited    float64              `json:"credited,omitempty"`
}

// PaymentOrchestrator turns gateway callbacks and wallet payments into settlements.
// Settlement itself belongs to the BookingService.
type PaymentOrchestrator struct {
	store    database.Store
	bookings *BookingService
	gateway  payment.Gateway
	events   *EventDispatcher
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPaymentOrchestrator creates a new payment orchestrator. gateway may be nil.
func NewPaymentOrchestrator(store database.Store, bookings *BookingService, gateway payment.Gateway, events *EventDispatcher, logger *logrus.Logger) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		store:    store,
		bookings: bookings,
		gateway:  gateway,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================================
// GATEWAY CALLBACKS
// ============================================================================

// HandleGatewayCallback verifies and applies a gateway callback.
// Redelivered events are detected by provider event id and change nothing.
func (o *PaymentOrchestrator) HandleGatewayCallback(ctx context.Context, payload []byte, signature string) (*CallbackResult, error) {
	if o.gateway == nil {
		return nil, models.ErrPaymentGatewayUnavailable
	}

	evt, err := o.gateway.ParseCallback(payload, signature)
	if err != nil {
		o.logger.WithError(err).Warn("Rejected payment callback")
		return nil, err
	}

	result := &CallbackResult{EventID: evt.EventID, BookingCode: evt.BookingCode}
	if evt.Kind == payment.CallbackIgnored {
		o.logger.WithFields(logrus.Fields{
			"event_id":   evt.EventID,
			"event_type": evt.Type,
		}).Debug("Ignoring payment callback")
		result.Ignored = true
		return result, nil
	}

	now := o.now()
	batch := newEventBatch()

	var needsCompensation bool
	err = withEventTx(ctx, o.store, batch, func(repo database.Repository) error {
		return o.applyCallback(ctx, repo, evt, result, now, batch)
	})
	var conflict *models.SeatConflictError
	if errors.As(err, &conflict) {
		// a ticket insert failure aborts the transaction, so the compensation needs its own
		needsCompensation = true
		batch = newEventBatch()
		err = withEventTx(ctx, o.store, batch, func(repo database.Repository) error {
			b, err := o.bookings.lockBooking(ctx, repo, evt.BookingCode, models.Actor{Role: models.ActorSystem})
			if err != nil {
				return err
			}
			if err := o.logWebhook(ctx, repo, b, evt); err != nil {
				return err
			}
			return o.compensate(ctx, repo, b, evt, "seats no longer available", result, now, batch)
		})
	}
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"event_id":     evt.EventID,
			"booking_code": evt.BookingCode,
			"kind":         evt.Kind,
		}).Error("Failed to apply payment callback")
		return nil, err
	}

	o.events.flush(ctx, batch)

	o.logger.WithFields(logrus.Fields{
		"event_id":     evt.EventID,
		"booking_code": evt.BookingCode,
		"kind":         evt.Kind,
		"status":       result.Status,
		"duplicate":    result.Duplicate,
		"credited":     result.Credited,
		"compensated":  needsCompensation,
	}).Info("Payment callback processed")
	return result, nil
}

func (o *PaymentOrchestrator) applyCallback(ctx context.Context, repo database.Repository, evt *payment.CallbackEvent, result *CallbackResult, now time.Time, batch *eventBatch) error {
	found, err := repo.GetBookingByCode(ctx, evt.BookingCode)
	if err != nil {
		return err
	}
	if found == nil {
		if dup, err := o.checkDuplicate(ctx, repo, nil, evt); err != nil || dup {
			result.Duplicate = dup
			return err
		}
		o.logger.WithFields(logrus.Fields{
			"event_id":     evt.EventID,
			"booking_code": evt.BookingCode,
		}).Warn("Payment callback for unknown booking")
		audit := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceGatewayWebhook).
			SetBookingCode(evt.BookingCode).
			SetProviderEvent(evt.EventID).
			SetReference(evt.Reference).
			SetError(models.ErrBookingNotFound.Error()).
			SetPayload(callbackPayload(evt))
		return repo.LogPaymentAudit(ctx, audit)
	}

	b, err := o.bookings.lockBooking(ctx, repo, evt.BookingCode, models.Actor{Role: models.ActorSystem})
	if err != nil {
		return err
	}
	result.Status = b.Status

	// checked under the booking lock so concurrent redeliveries serialize here
	if dup, err := o.checkDuplicate(ctx, repo, b, evt); err != nil || dup {
		result.Duplicate = dup
		return err
	}
	if err := o.logWebhook(ctx, repo, b, evt); err != nil {
		return err
	}

	if evt.Kind == payment.CallbackFailure {
		if supersededSession(b, evt) {
			o.logger.WithFields(logrus.Fields{
				"booking_code": b.Code,
				"reference":    evt.Reference,
				"event_type":   evt.Type,
			}).Info("Ignoring failure from a superseded checkout session")
			return nil
		}
		if _, err := o.bookings.settleLocked(ctx, repo, b, models.PaymentOutcome{
			Success:   false,
			Method:    models.PaymentMethodGateway,
			Reference: evt.Reference,
			Reason:    failureReason(evt),
		}, now, batch); err != nil {
			return err
		}
		result.Status = b.Status
		return o.logOutcome(ctx, repo, b, evt, models.PaymentEventFailed, failureReason(evt))
	}

	switch b.Status {
	case models.BookingStatusPaid:
		if supersededSession(b, evt) {
			// a second capture, e.g. an old checkout completed after the wallet paid
			return o.creditUnfulfilled(ctx, repo, b, evt, "second payment for a paid booking", result)
		}
		return nil
	case models.BookingStatusCancelled, models.BookingStatusPaymentFailed:
		// money arrived for a booking that can no longer be fulfilled
		return o.creditUnfulfilled(ctx, repo, b, evt, "payment received after booking was "+string(b.Status), result)
	}

	audit := models.NewPaymentAudit(models.PaymentEventSuccess, models.PaymentSourceGatewayWebhook).SetBooking(b)
	if !audit.SetAmounts(b.TotalPrice, evt.Amount) {
		return o.compensate(ctx, repo, b, evt, fmt.Sprintf("amount mismatch: expected %.2f, received %.2f", b.TotalPrice, evt.Amount), result, now, batch)
	}

	res, err := o.bookings.settleLocked(ctx, repo, b, models.PaymentOutcome{
		Success:   true,
		Method:    models.PaymentMethodGateway,
		Reference: evt.Reference,
		PaidAt:    now,
	}, now, batch)
	if errors.Is(err, models.ErrSeatNoLongerHeld) || errors.Is(err, models.ErrPassengersNotAttached) {
		return o.compensate(ctx, repo, b, evt, err.Error(), result, now, batch)
	}
	if err != nil {
		return err
	}
	result.Status = b.Status

	if res == settleExpired {
		return o.creditUnfulfilled(ctx, repo, b, evt, "payment received after booking expired", result)
	}

	audit.SetReference(evt.Reference)
	return repo.LogPaymentAudit(ctx, audit)
}

// compensate fails a PENDING booking that was paid but cannot be fulfilled and credits the money back
func (o *PaymentOrchestrator) compensate(ctx context.Context, repo database.Repository, b *models.Booking, evt *payment.CallbackEvent, reason string, result *CallbackResult, now time.Time, batch *eventBatch) error {
	if _, err := o.bookings.settleLocked(ctx, repo, b, models.PaymentOutcome{
		Success:   false,
		Method:    models.PaymentMethodGateway,
		Reference: evt.Reference,
		Reason:    reason,
	}, now, batch); err != nil {
		return err
	}
	result.Status = b.Status
	return o.creditUnfulfilled(ctx, repo, b, evt, reason, result)
}

// creditUnfulfilled moves the received amount to the user's wallet and flags the mismatch for reconciliation
func (o *PaymentOrchestrator) creditUnfulfilled(ctx context.Context, repo database.Repository, b *models.Booking, evt *payment.CallbackEvent, reason string, result *CallbackResult) error {
	audit := models.NewPaymentAudit(models.PaymentEventReconciliationMismatch, models.PaymentSourceGatewayWebhook).
		SetBooking(b).
		SetReference(evt.Reference).
		SetPayload(map[string]interface{}{
			"reason":         reason,
			"booking_status": b.Status,
		})
	audit.SetAmounts(b.TotalPrice, evt.Amount)

	if evt.Amount > 0 {
		_, err := creditWalletLocked(ctx, repo, b.UserID, b.ID, evt.Amount, "credit for unfulfilled payment "+b.Code)
		switch {
		case errors.Is(err, models.ErrWalletNotFound):
			audit.SetError("no wallet to credit, manual refund required")
		case err != nil:
			return err
		default:
			result.Credited = evt.Amount
		}
	}

	o.logger.WithFields(logrus.Fields{
		"booking_code": b.Code,
		"status":       b.Status,
		"amount":       evt.Amount,
		"credited":     result.Credited,
		"reason":       reason,
	}).Warn("Payment could not be applied to booking")
	return repo.LogPaymentAudit(ctx, audit)
}

// supersededSession reports whether the callback comes from a checkout session the booking no longer pays with
func supersededSession(b *models.Booking, evt *payment.CallbackEvent) bool {
	if evt.Reference == "" {
		return false
	}
	if b.PaymentReference != nil && *b.PaymentReference != "" {
		return *b.PaymentReference != evt.Reference
	}
	return b.Status == models.BookingStatusPending && b.PaymentMethod != nil && *b.PaymentMethod == models.PaymentMethodWallet
}

func (o *PaymentOrchestrator) checkDuplicate(ctx context.Context, repo database.Repository, b *models.Booking, evt *payment.CallbackEvent) (bool, error) {
	if evt.EventID == "" {
		return false, nil
	}
	seen, err := repo.HasProviderEvent(ctx, evt.EventID)
	if err != nil || !seen {
		return false, err
	}

	o.logger.WithFields(logrus.Fields{
		"event_id":     evt.EventID,
		"booking_code": evt.BookingCode,
	}).Info("Duplicate payment callback")

	audit := models.NewPaymentAudit(models.PaymentEventDuplicate, models.PaymentSourceGatewayWebhook).
		SetBooking(b).
		SetProviderEvent(evt.EventID).
		SetReference(evt.Reference).
		MarkAsDuplicate()
	if b == nil {
		audit.SetBookingCode(evt.BookingCode)
	}
	return true, repo.LogPaymentAudit(ctx, audit)
}

// logWebhook records the callback itself; its provider event id is what later redeliveries match
func (o *PaymentOrchestrator) logWebhook(ctx context.Context, repo database.Repository, b *models.Booking, evt *payment.CallbackEvent) error {
	audit := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceGatewayWebhook).
		SetBooking(b).
		SetProviderEvent(evt.EventID).
		SetReference(evt.Reference).
		SetPayload(callbackPayload(evt))
	return repo.LogPaymentAudit(ctx, audit)
}

func (o *PaymentOrchestrator) logOutcome(ctx context.Context, repo database.Repository, b *models.Booking, evt *payment.CallbackEvent, typ models.PaymentEventType, message string) error {
	audit := models.NewPaymentAudit(typ, models.PaymentSourceGatewayWebhook).
		SetBooking(b).
		SetReference(evt.Reference)
	if message != "" {
		audit.SetError(message)
	}
	return repo.LogPaymentAudit(ctx, audit)
}

func callbackPayload(evt *payment.CallbackEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_type": evt.Type,
		"kind":       evt.Kind,
		"amount":     evt.Amount,
		"currency":   evt.Currency,
	}
}

func failureReason(evt *payment.CallbackEvent) string {
	if evt.Reason != "" {
		return evt.Reason
	}
	return "gateway reported " + evt.Type
}

// ============================================================================
// WALLET PAYMENT
// ============================================================================

// PayWithWallet debits the user's wallet and settles the booking in one transaction.
// A wrong PIN fails the payment; an insufficient balance cancels the booking.
// Both failures are committed and reported as *models.PaymentFailedError.
// Paying a PAID booking again returns it unchanged; CANCELLED and PAYMENT_FAILED give ErrBookingNotPending.
func (o *PaymentOrchestrator) PayWithWallet(ctx context.Context, userID uuid.UUID, code string, pin string) (*models.Booking, error) {
	now := o.now()
	batch := newEventBatch()

	var (
		booking *models.Booking
		failure error
	)
	err := withEventTx(ctx, o.store, batch, func(repo database.Repository) error {
		b, err := o.bookings.lockBooking(ctx, repo, code, models.Actor{UserID: userID, Role: models.ActorUser})
		if err != nil {
			return err
		}
		booking = b

		switch b.Status {
		case models.BookingStatusPending:
		case models.BookingStatusPaid:
			// retried payment: nothing is debited again
			b.Tickets, err = repo.ListTicketsByBooking(ctx, b.ID)
			return err
		default:
			return models.ErrBookingNotPending
		}
		if b.PaymentMethod == nil || *b.PaymentMethod != models.PaymentMethodWallet {
			return fmt.Errorf("%w: booking is not set up for wallet payment", models.ErrInvalidRequest)
		}
		if !b.Metadata.HasPassengers() {
			return models.ErrPassengersNotAttached
		}
		if b.IsExpired(now) {
			failure = models.ErrBookingExpired
			return o.bookings.resolvePendingLocked(ctx, repo, b, models.BookingStatusCancelled, models.ReasonExpired, now, batch)
		}
		// nothing is charged when the hold is gone
		if err := o.bookings.ensureStillHeld(ctx, repo, b, now); err != nil {
			return err
		}

		wallet, err := repo.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return models.ErrWalletNotFound
		}

		if bcrypt.CompareHashAndPassword([]byte(wallet.PinHash), []byte(pin)) != nil {
			failure = &models.PaymentFailedError{Reason: "invalid wallet pin", Status: models.BookingStatusPaymentFailed}
			return o.rejectWallet(ctx, repo, b, models.BookingStatusPaymentFailed, "invalid wallet pin", now, batch)
		}
		if wallet.Balance < b.TotalPrice {
			failure = &models.PaymentFailedError{Reason: "insufficient wallet balance", Status: models.BookingStatusCancelled}
			return o.rejectWallet(ctx, repo, b, models.BookingStatusCancelled, "insufficient wallet balance", now, batch)
		}

		note := "payment for " + b.Code
		txn := models.WalletTransaction{
			ID:        uuid.New(),
			UserID:    userID,
			BookingID: &b.ID,
			Type:      models.WalletTxnDebit,
			Amount:    -b.TotalPrice,
			Note:      &note,
			CreatedAt: now,
		}
		balance, err := repo.ApplyWalletTransaction(ctx, txn)
		if err != nil {
			return err
		}

		if _, err := o.bookings.settleLocked(ctx, repo, b, models.PaymentOutcome{
			Success:   true,
			Method:    models.PaymentMethodWallet,
			Reference: "wallet:" + txn.ID.String(),
			PaidAt:    now,
		}, now, batch); err != nil {
			return err
		}

		debited := models.NewPaymentAudit(models.PaymentEventWalletDebited, models.PaymentSourceWallet).
			SetBooking(b).
			SetReference(txn.ID.String()).
			SetPayload(map[string]interface{}{"balance_after": balance})
		debited.SetAmounts(b.TotalPrice, b.TotalPrice)
		if err := repo.LogPaymentAudit(ctx, debited); err != nil {
			return err
		}
		return repo.LogPaymentAudit(ctx, models.NewPaymentAudit(models.PaymentEventSuccess, models.PaymentSourceWallet).
			SetBooking(b).
			SetReference(txn.ID.String()))
	})
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"booking_code": code,
			"user_id":      userID,
		}).Warn("Wallet payment failed")
		return nil, err
	}

	o.events.flush(ctx, batch)
	if failure != nil {
		o.logger.WithError(failure).WithFields(logrus.Fields{
			"booking_code": code,
			"status":       booking.Status,
		}).Info("Wallet payment rejected")
		return booking, failure
	}
	return booking, nil
}

func (o *PaymentOrchestrator) rejectWallet(ctx context.Context, repo database.Repository, b *models.Booking, to models.BookingStatus, reason string, now time.Time, batch *eventBatch) error {
	if _, err := o.bookings.settleLocked(ctx, repo, b, models.PaymentOutcome{
		Success:       false,
		Method:        models.PaymentMethodWallet,
		Reason:        reason,
		FailureStatus: to,
	}, now, batch); err != nil {
		return err
	}
	return repo.LogPaymentAudit(ctx, models.NewPaymentAudit(models.PaymentEventWalletRejected, models.PaymentSourceWallet).
		SetBooking(b).
		SetError(reason))
}
