package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/middleware"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/internal/utils"
	"github.com/sirupsen/logrus"
)

// BookingAPI is the booking state machine as seen by HTTP clients
type BookingAPI interface {
	Init(ctx context.Context, userID uuid.UUID, req *models.InitBookingRequest, channel string) (*models.InitBookingResponse, error)
	AttachPassengers(ctx context.Context, userID uuid.UUID, code string, req *models.AttachPassengersRequest) (*models.AttachPassengersResponse, error)
	Get(ctx context.Context, code string, actor models.Actor) (*models.Booking, error)
	Cancel(ctx context.Context, code string, actor models.Actor) (*models.Booking, error)
}

// WalletPayer settles a booking from the user's wallet
type WalletPayer interface {
	PayWithWallet(ctx context.Context, userID uuid.UUID, code string, pin string) (*models.Booking, error)
}

// BookingHandler handles the passenger-facing booking endpoints
type BookingHandler struct {
	bookings BookingAPI
	wallet   WalletPayer
	logger   *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(bookings BookingAPI, wallet WalletPayer, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		wallet:   wallet,
		logger:   logger,
	}
}

// ============================================================================
// INIT - POST /api/v1/bookings
// ============================================================================

// Init holds the requested seats for a segment and opens a PENDING booking
func (h *BookingHandler) Init(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req models.InitBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	client := utils.ParseUserAgent(c.Request.UserAgent())
	resp, err := h.bookings.Init(c.Request.Context(), userCtx.UserID, &req, client.Channel)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ============================================================================
// PASSENGERS - POST /api/v1/bookings/:code/passengers
// ============================================================================

// AttachPassengers records one passenger per held seat and starts the chosen payment path
func (h *BookingHandler) AttachPassengers(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req models.AttachPassengersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.bookings.AttachPassengers(c.Request.Context(), userCtx.UserID, c.Param("code"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Get returns a booking with its tickets
func (h *BookingHandler) Get(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	booking, err := h.bookings.Get(c.Request.Context(), c.Param("code"), userCtx.Actor())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

// Cancel cancels the caller's own booking. A paid booking is refunded to the wallet.
func (h *BookingHandler) Cancel(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	actor := models.Actor{UserID: userCtx.UserID, Role: models.ActorUser}
	booking, err := h.bookings.Cancel(c.Request.Context(), c.Param("code"), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

// ============================================================================
// WALLET PAYMENT - POST /api/v1/bookings/:code/pay/wallet
// ============================================================================

// PayWithWallet settles the booking from the wallet. Rejected payments answer 402 with the final status.
func (h *BookingHandler) PayWithWallet(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req models.WalletPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	booking, err := h.wallet.PayWithWallet(c.Request.Context(), userCtx.UserID, c.Param("code"), req.PIN)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}
