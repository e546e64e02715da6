package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/middleware"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// TripAdmin is the operator surface of a trip
type TripAdmin interface {
	SetDepartureDelay(ctx context.Context, tripID uuid.UUID, minutes int) (*models.Trip, error)
	SetArrivalDelay(ctx context.Context, tripID uuid.UUID, minutes int) (*models.Trip, error)
	ForceCancelTrip(ctx context.Context, tripID uuid.UUID, actor models.Actor, reason string) (*models.CancelTripResult, error)
}

// BookingCanceller cancels a single booking
type BookingCanceller interface {
	Cancel(ctx context.Context, code string, actor models.Actor) (*models.Booking, error)
}

// AdminTripHandler handles admin operations on trips and bookings
type AdminTripHandler struct {
	trips    TripAdmin
	bookings BookingCanceller
	logger   *logrus.Logger
}

// NewAdminTripHandler creates a new AdminTripHandler
func NewAdminTripHandler(trips TripAdmin, bookings BookingCanceller, logger *logrus.Logger) *AdminTripHandler {
	return &AdminTripHandler{
		trips:    trips,
		bookings: bookings,
		logger:   logger,
	}
}

// SetDepartureDelay handles PUT /api/v1/admin/trips/:trip_id/departure-delay
func (h *AdminTripHandler) SetDepartureDelay(c *gin.Context) {
	h.setDelay(c, h.trips.SetDepartureDelay)
}

// SetArrivalDelay handles PUT /api/v1/admin/trips/:trip_id/arrival-delay
func (h *AdminTripHandler) SetArrivalDelay(c *gin.Context) {
	h.setDelay(c, h.trips.SetArrivalDelay)
}

func (h *AdminTripHandler) setDelay(c *gin.Context, apply func(context.Context, uuid.UUID, int) (*models.Trip, error)) {
	tripID, err := uuid.Parse(c.Param("trip_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid trip id"})
		return
	}

	var req models.SetDelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	trip, err := apply(c.Request.Context(), tripID, *req.Minutes)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, trip)
}

// CancelTrip handles POST /api/v1/admin/trips/:trip_id/cancel
func (h *AdminTripHandler) CancelTrip(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)

	tripID, err := uuid.Parse(c.Param("trip_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid trip id"})
		return
	}

	var req models.CancelTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.trips.ForceCancelTrip(c.Request.Context(), tripID, userCtx.Actor(), req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if len(result.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

// CancelBooking handles POST /api/v1/admin/bookings/:code/cancel
func (h *AdminTripHandler) CancelBooking(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)

	var body struct {
		Reason string `json:"reason"`
	}
	// the reason is optional
	_ = c.ShouldBindJSON(&body)

	actor := models.Actor{UserID: userCtx.UserID, Role: models.ActorAdmin, Reason: body.Reason}
	booking, err := h.bookings.Cancel(c.Request.Context(), c.Param("code"), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}
