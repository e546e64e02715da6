package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/railtix/reservation-core/internal/services"
	"github.com/sirupsen/logrus"
)

const maxCallbackBytes = 64 << 10

// CallbackProcessor applies verified gateway callbacks
type CallbackProcessor interface {
	HandleGatewayCallback(ctx context.Context, payload []byte, signature string) (*services.CallbackResult, error)
}

// PaymentHandler receives payment gateway callbacks
type PaymentHandler struct {
	payments        CallbackProcessor
	signatureHeader string
	logger          *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(payments CallbackProcessor, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:        payments,
		signatureHeader: "Stripe-Signature",
		logger:          logger,
	}
}

// ============================================================================
// WEBHOOK - POST /api/v1/payments/webhook
// ============================================================================

// Webhook verifies and applies a gateway callback. Everything the gateway should not
// redeliver (applied, duplicate, ignored, unknown booking) is acknowledged with 200.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	result, err := h.payments.HandleGatewayCallback(c.Request.Context(), payload, c.GetHeader(h.signatureHeader))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   result,
	})
}
