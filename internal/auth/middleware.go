package auth

import (
	"net/http"
	"strings"

	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	// queryToken carries the access token for EventSource clients, which
	// cannot set headers.
	queryToken = "access_token"
)

type middlewareOptions struct {
	allowQuery bool
}

type MiddlewareOption func(*middlewareOptions)

// AllowQueryToken also accepts ?access_token= when no Authorization header
// is present. Mount it on the SSE route only.
func AllowQueryToken() MiddlewareOption {
	return func(o *middlewareOptions) { o.allowQuery = true }
}

// RequireAccessToken verifies an access token and stores the caller's
// Identity in the request context. Role checks belong to internal/rbac.
func RequireAccessToken(m *Manager, opts ...MiddlewareOption) gin.HandlerFunc {
	var o middlewareOptions
	for _, fn := range opts {
		fn(&o)
	}
	return func(c *gin.Context) {
		tok, ok := bearer(c, o.allowQuery)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_error", "message": "missing bearer token"})
			return
		}
		claims, err := m.Verify(tok, TokenTypeAccess, m.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_error", "message": "invalid token"})
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID, claims.Role))
		logger.Attach(c, logger.FromGin(c).With("user_id", claims.UserID))
		c.Next()
	}
}

func bearer(c *gin.Context, allowQuery bool) (string, bool) {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if raw == "" && allowQuery {
		tok := strings.TrimSpace(c.Query(queryToken))
		return tok, tok != ""
	}
	if !strings.HasPrefix(raw, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	return tok, tok != ""
}
