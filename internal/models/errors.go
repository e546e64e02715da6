package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSeatConflict              = errors.New("seat conflict")
	ErrTooManyPendingBookings    = errors.New("too many pending bookings")
	ErrBookingExpired            = errors.New("booking expired")
	ErrBookingNotFound           = errors.New("booking not found")
	ErrBookingNotPending         = errors.New("booking is not pending")
	ErrSeatNoLongerHeld          = errors.New("seat no longer held")
	ErrPaymentFailed             = errors.New("payment failed")
	ErrInternalInconsistency     = errors.New("internal inconsistency")
	ErrPassengersNotAttached     = errors.New("passengers not attached")
	ErrTripNotFound              = errors.New("trip not found")
	ErrTripNotBookable           = errors.New("trip is not bookable")
	ErrInvalidSegment            = errors.New("invalid segment")
	ErrUnknownSeat               = errors.New("unknown seat")
	ErrPaymentGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrWalletNotFound            = errors.New("wallet not found")
	ErrRateLimited               = errors.New("rate limited")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrForbiddenClient           = errors.New("client not allowed")
)

// SeatConflictError carries the exact seats that could not be held
type SeatConflictError struct {
	TripID  uuid.UUID
	SeatIDs []uuid.UUID
}

func (e *SeatConflictError) Error() string {
	ids := make([]string, len(e.SeatIDs))
	for i, id := range e.SeatIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("seats unavailable on trip %s: %s", e.TripID, strings.Join(ids, ","))
}

func (e *SeatConflictError) Is(target error) bool {
	return target == ErrSeatConflict
}

// SeatNoLongerHeldError lists seats whose lock lapsed before passenger submission
type SeatNoLongerHeldError struct {
	SeatIDs []uuid.UUID
}

func (e *SeatNoLongerHeldError) Error() string {
	return fmt.Sprintf("%d seat(s) no longer held by this booking", len(e.SeatIDs))
}

func (e *SeatNoLongerHeldError) Is(target error) bool {
	return target == ErrSeatNoLongerHeld
}

// PaymentFailedError reports a settled payment failure and the status the booking ended in
type PaymentFailedError struct {
	Reason string
	Status BookingStatus
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

func (e *PaymentFailedError) Is(target error) bool {
	return target == ErrPaymentFailed
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	Remaining  int64
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
