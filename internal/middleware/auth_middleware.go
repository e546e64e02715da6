package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/internal/utils"
	"github.com/railtix/reservation-core/pkg/jwt"
	"github.com/sirupsen/logrus"
)

// UserContextKey is the key used to store user information in Gin context
const UserContextKey = "user"

// UserContext represents the authenticated user's information
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
}

// IsAdmin reports whether the user carries the admin role
func (u UserContext) IsAdmin() bool {
	return slices.Contains(u.Roles, jwt.RoleAdmin)
}

// Actor is the booking actor this user acts as
func (u UserContext) Actor() models.Actor {
	if u.IsAdmin() {
		return models.Actor{UserID: u.UserID, Role: models.ActorAdmin}
	}
	return models.Actor{UserID: u.UserID, Role: models.ActorUser}
}

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "Authorization header is required", "MISSING_AUTH_HEADER")
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			abortAuth(c, http.StatusUnauthorized, "unauthorized",
				"Invalid authorization header format. Expected: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}

		claims, err := jwtService.ValidateAccessToken(token)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"path": c.Request.URL.Path,
				"ip":   utils.GetRealIP(c),
			}).Info("Rejected access token")

			if errors.Is(err, jwt.ErrTokenExpired) {
				abortAuth(c, http.StatusUnauthorized, "token_expired",
					"Access token has expired. Please refresh your token.", "TOKEN_EXPIRED")
			} else {
				abortAuth(c, http.StatusUnauthorized, "invalid_token", "Invalid access token", "INVALID_TOKEN")
			}
			return
		}

		c.Set(UserContextKey, UserContext{
			UserID: claims.UserID,
			Roles:  claims.Roles,
		})
		c.Next()
	}
}

// RequireRole lets the request through when the user carries any of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		if !exists {
			abortAuth(c, http.StatusUnauthorized, "unauthorized",
				"User context not found. Auth middleware may not be applied.", "MISSING_USER_CONTEXT")
			return
		}

		if !slices.ContainsFunc(roles, func(r string) bool { return slices.Contains(userCtx.Roles, r) }) {
			abortAuth(c, http.StatusForbidden, "forbidden",
				"You don't have permission to access this resource", "INSUFFICIENT_PERMISSIONS")
			return
		}

		c.Next()
	}
}

func abortAuth(c *gin.Context, status int, errCode, message, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   errCode,
		"message": message,
		"code":    code,
	})
}

// GetUserContext retrieves the user context from Gin context
func GetUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(UserContextKey)
	if !exists {
		return UserContext{}, false
	}

	userCtx, ok := value.(UserContext)
	if !ok {
		return UserContext{}, false
	}

	return userCtx, true
}

// MustGetUserContext retrieves the user context or panics (use only after AuthMiddleware)
func MustGetUserContext(c *gin.Context) UserContext {
	userCtx, exists := GetUserContext(c)
	if !exists {
		panic("user context not found - ensure AuthMiddleware is applied")
	}
	return userCtx
}
