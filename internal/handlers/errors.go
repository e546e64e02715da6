package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/sirupsen/logrus"
)

// respondError maps domain errors to HTTP responses. Unknown errors become a generic 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		conflict   *models.SeatConflictError
		notHeld    *models.SeatNoLongerHeldError
		failed     *models.PaymentFailedError
		rateLimits *models.RateLimitError
	)

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "seat_conflict",
			"message":  "Some seats are no longer available",
			"seat_ids": conflict.SeatIDs,
		})
	case errors.As(err, &notHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "seat_no_longer_held",
			"message":  "Your hold on some seats has lapsed",
			"seat_ids": notHeld.SeatIDs,
		})
	case errors.As(err, &failed):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_failed",
			"message": failed.Reason,
			"status":  failed.Status,
		})
	case errors.As(err, &rateLimits):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "too_many_requests",
			"message": rateLimits.Message,
		})
	case errors.Is(err, models.ErrTooManyPendingBookings):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "too_many_pending_bookings",
			"message": "Finish or cancel an open booking first",
		})
	case errors.Is(err, models.ErrBookingExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "booking_expired",
			"message": "The seat hold for this booking has expired",
		})
	case errors.Is(err, models.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found", "message": "Booking not found"})
	case errors.Is(err, models.ErrTripNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trip_not_found", "message": "Trip not found"})
	case errors.Is(err, models.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "No wallet for this account"})
	case errors.Is(err, models.ErrBookingNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "booking_not_pending", "message": "Booking is no longer pending"})
	case errors.Is(err, models.ErrTripNotBookable):
		c.JSON(http.StatusConflict, gin.H{"error": "trip_not_bookable", "message": "Trip is not open for booking"})
	case errors.Is(err, models.ErrPassengersNotAttached):
		c.JSON(http.StatusConflict, gin.H{"error": "passengers_not_attached", "message": "Attach passengers before paying"})
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidSegment),
		errors.Is(err, models.ErrUnknownSeat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, models.ErrForbiddenClient):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Client not allowed"})
	case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrMalformedCallback):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_callback", "message": err.Error()})
	case errors.Is(err, models.ErrPaymentGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payment_gateway_unavailable",
			"message": "Payment provider is unavailable, please retry",
		})
	default:
		logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong, please try again",
		})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "invalid request: " + err.Error(),
	})
}
