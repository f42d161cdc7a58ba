package main

import (
	"context"
	"net/http"
	"time"

	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/auth"
	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/internal/config"
	"swarm-scheduler/internal/httpapi"
	"swarm-scheduler/internal/rbac"
	"swarm-scheduler/internal/reporting"
	"swarm-scheduler/internal/telephony"
	"swarm-scheduler/internal/tools"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg      config.Config
	auth     *auth.Manager
	registry *campaign.Registry
	tools    *tools.Dispatcher
	reports  *reporting.Service
	audit    *audit.Service
	ready    func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	if len(d.cfg.App.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.cfg.App.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
			ExposeHeaders:    []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	h := httpapi.Handlers{
		Auth:      d.auth,
		Campaigns: d.registry,
		Tools:     d.tools,
		Reports:   d.reports,
		DevLogin:  !d.cfg.IsProduction(),
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Carrier webhooks, authenticated by the Twilio signature.
	{
		wh := telephony.TwilioWebhookHandler{
			Tasks:         d.registry,
			AuthToken:     d.cfg.Twilio.AuthToken,
			PublicBaseURL: d.cfg.Twilio.PublicBaseURL,
			StreamURL:     d.cfg.Twilio.StreamURL,
		}
		r.POST(telephony.VoicePath, wh.HandleVoice)
		r.POST(telephony.StatusPath, wh.HandleStatus)
	}

	// Agent tool webhooks.
	{
		limiter := httpapi.NewRateLimiter(d.cfg.Agent.RatePerSecond, d.cfg.Agent.Burst)
		tg := r.Group("/tools")
		tg.Use(limiter.Middleware(), httpapi.RequireAgentSecret(d.cfg.Agent.WebhookSecret))
		tg.POST("", h.InvokeTool)
		tg.POST("/:name", h.InvokeNamedTool)
	}

	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	// EventSource cannot send headers, so the stream also takes ?access_token=.
	r.GET("/v1/campaigns/:id/stream",
		auth.RequireAccessToken(d.auth, auth.AllowQueryToken()), rbac.RequireUser(), h.StreamCampaign)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), rbac.RequireUser())
	{
		campaigns := v1.Group("/campaigns")
		campaigns.POST("", h.CreateCampaign)
		campaigns.GET("/:id", h.GetCampaign)
		campaigns.GET("/:id/results", h.GetResults)
		campaigns.POST("/:id/confirm", h.ConfirmCampaign)
		campaigns.POST("/:id/cancel", h.CancelCampaign)

		v1.GET("/appointments", h.ListAppointments)

		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin), rbac.AuditAdminActions(d.audit))
		{
			admin.GET("/reports/campaigns", h.CampaignReport)
			admin.POST("/reaper/run", h.RunReaper)
		}
	}
}
