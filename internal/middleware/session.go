package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"allinone/internal/models"
)

const currentUserKey = "current_user"

// IdentityProvider resolves a session token to the caller, or nil.
type IdentityProvider interface {
	CurrentUser(ctx context.Context, token string) (*models.SessionUser, error)
}

// Session attaches the caller resolved from the session cookie. Lookup
// failures leave the request anonymous.
func Session(provider IdentityProvider, cookieName string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(cookieName)
		if err != nil || token == "" {
			c.Next()
			return
		}

		user, err := provider.CurrentUser(c.Request.Context(), token)
		if err != nil {
			log.Warn().Err(err).Str("request_id", RequestIDFrom(c)).Msg("session lookup failed, continuing as guest")
		}
		if user != nil {
			c.Set(currentUserKey, user)
		}
		c.Next()
	}
}

// RequireSession rejects requests without a resolved caller.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized."})
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) *models.SessionUser {
	val, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	user, _ := val.(*models.SessionUser)
	return user
}

// SessionToken returns the raw session cookie, if any.
func SessionToken(c *gin.Context, cookieName string) string {
	token, _ := c.Cookie(cookieName)
	return token
}
