package rbac

import (
	"encoding/json"
	"fmt"
	"net/http"

	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/auth"
	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireUser enforces an authenticated caller with a known role. Campaign
// ownership is checked by the campaign registry on every lookup.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.IdentityFrom(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_error", "message": "user_id required"})
			return
		}
		if !IsKnownRole(id.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows callers holding one of allowed. Admin passes every
// check; unknown roles never do.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		set[r] = true
	}
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_error", "message": "role required"})
			return
		}
		if !IsAdmin(role) && (!IsKnownRole(role) || !set[role]) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// AuditAdminActions appends an admin_action audit event for every request
// that reaches the admin handlers. Mount it after RequireAnyRole. Audit
// failures are logged, never returned.
func AuditAdminActions(a *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		id, err := auth.IdentityFrom(c.Request.Context())
		if err != nil {
			return
		}
		msg := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		meta, _ := json.Marshal(struct {
			Status int    `json:"status"`
			Query  string `json:"query,omitempty"`
		}{c.Writer.Status(), c.Request.URL.RawQuery})
		if err := a.LogAdminAction(c.Request.Context(), id.UserID, id.Role, c.ClientIP(), msg, string(meta)); err != nil {
			logger.FromGin(c).Warn("admin audit failed", "err", err)
		}
	}
}
