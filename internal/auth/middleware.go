package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// tokenQueryParam carries the token on websocket upgrades, where browsers
// cannot set headers.
const tokenQueryParam = "token"

var ErrMissingToken = errors.New("missing bearer token")

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if raw != "" {
		if !strings.HasPrefix(raw, bearerPrefix) {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix)), nil
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the request's access token.
func (m *Manager) Authenticate(r *http.Request) (Claims, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return Claims{}, err
	}
	return m.Verify(tok, TokenTypeAccess, time.Now())
}

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.Authenticate(c.Request)
		if errors.Is(err, ErrMissingToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}
