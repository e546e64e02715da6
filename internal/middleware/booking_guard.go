package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/internal/services"
	"github.com/railtix/reservation-core/internal/utils"
	"github.com/sirupsen/logrus"
)

// BookingInitLimiter is the per-user limiter consulted before a booking is created
type BookingInitLimiter interface {
	CheckBookingInit(ctx context.Context, userID uuid.UUID) (*services.RateLimitDecision, error)
}

// RateLimitBookingInit throttles booking creation per user.
// Must be used after AuthMiddleware. A nil limiter disables the check.
func RateLimitBookingInit(limiter BookingInitLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		userCtx, exists := GetUserContext(c)
		if !exists {
			c.Next()
			return
		}

		decision, err := limiter.CheckBookingInit(c.Request.Context(), userCtx.UserID)
		if decision != nil {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		}

		var limited *models.RateLimitError
		if errors.As(err, &limited) {
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "too_many_requests",
				"message":     limited.Message,
				"retry_after": secs,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RejectBots refuses requests from crawler user agents
func RejectBots() gin.HandlerFunc {
	return func(c *gin.Context) {
		if utils.IsBot(c.Request.UserAgent()) {
			logrus.WithFields(logrus.Fields{
				"path":       c.Request.URL.Path,
				"ip":         utils.GetRealIP(c),
				"user_agent": c.Request.UserAgent(),
			}).Warn("Rejected automated client")
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Automated clients cannot make bookings",
				"code":    "BOT_REJECTED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
