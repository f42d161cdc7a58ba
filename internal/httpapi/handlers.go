package httpapi

import (
	"context"
	"net/http"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/auth"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/internal/events"
	"swarm-scheduler/internal/rbac"
	"swarm-scheduler/internal/reporting"
	"swarm-scheduler/internal/tools"
	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Campaigns is the campaign surface the API drives. *campaign.Registry
// implements it.
type Campaigns interface {
	Create(ctx context.Context, ownerID string, req campaign.Request) (campaign.Campaign, error)
	Get(ctx context.Context, ownerID, id string) (campaign.Snapshot, error)
	Results(ctx context.Context, ownerID, id string) ([]calltask.Task, error)
	Confirm(ctx context.Context, ownerID, id, taskID string) (campaign.Appointment, error)
	Cancel(ctx context.Context, ownerID, id string) error
	Appointments(ctx context.Context, ownerID string) ([]campaign.Appointment, error)
	Subscribe(ctx context.Context, ownerID, id string) (*events.Subscription[campaign.Snapshot], error)
	Reap(ctx context.Context) campaign.ReapReport
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Campaigns Campaigns
	Tools     *tools.Dispatcher
	Reports   *reporting.Service

	// DevLogin enables POST /v1/auth/login. Never set in production.
	DevLogin bool
	// PingInterval is the SSE heartbeat period; zero means 30s.
	PingInterval time.Duration
}

// writeError answers with the status and code of the error's kind. Internal
// errors are logged and not echoed.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": apperr.Code(err)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Code(err), "message": err.Error()})
}

func currentUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair for any user id.
//
// NOTE: development only; there are no credentials to check.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleUser
	}
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a role of user or admin required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.Auth.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair. Refresh tokens carry no
// role, so the new access token is always a plain user token.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, rbac.RoleUser, h.Auth.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Admin ---

// CampaignReport answers GET /v1/admin/reports/campaigns?from=&to= (RFC 3339).
// The range defaults to the last 7 days.
func (h Handlers) CampaignReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.Add(-7 * 24 * time.Hour), To: now}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, apperr.Validation("%s must be RFC 3339", p.name))
			return
		}
		*p.dst = t
	}

	out, err := h.Reports.CampaignReport(c.Request.Context(), reporting.CampaignReportRequest{Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RunReaper runs one reaper pass now.
func (h Handlers) RunReaper(c *gin.Context) {
	rep := h.Campaigns.Reap(c.Request.Context())
	logger.FromGin(c).Info("reaper triggered", "failed", rep.Failed, "evicted", rep.Evicted)
	c.JSON(http.StatusOK, rep)
}
