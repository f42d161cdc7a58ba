package httpapi

import (
	"io"
	"net/http"
	"time"

	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

const defaultPingInterval = 30 * time.Second

func (h Handlers) CreateCampaign(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req campaign.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid json"})
		return
	}
	camp, err := h.Campaigns.Create(c.Request.Context(), uid, req)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("campaign created", "campaign_id", camp.ID)
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	snap, err := h.Campaigns.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) GetResults(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	results, err := h.Campaigns.Results(c.Request.Context(), uid, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "results": results})
}

type confirmRequest struct {
	CallTaskID string `json:"call_task_id"`
}

func (h Handlers) ConfirmCampaign(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallTaskID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "call_task_id required"})
		return
	}
	appt, err := h.Campaigns.Confirm(c.Request.Context(), uid, c.Param("id"), req.CallTaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// CancelCampaign is idempotent for campaigns that already ended.
func (h Handlers) CancelCampaign(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.Campaigns.Cancel(c.Request.Context(), uid, id); err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.Campaigns.Get(c.Request.Context(), uid, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) ListAppointments(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.Campaigns.Appointments(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []campaign.Appointment{}
	}
	c.JSON(http.StatusOK, gin.H{"appointments": list})
}

// StreamCampaign sends a "snapshot" event on every change and a "ping" event
// on every heartbeat. The stream ends after the terminal snapshot.
func (h Handlers) StreamCampaign(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	sub, err := h.Campaigns.Subscribe(c.Request.Context(), uid, id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	every := h.PingInterval
	if every <= 0 {
		every = defaultPingInterval
	}
	ping := time.NewTicker(every)
	defer ping.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	log := logger.FromGin(c).With("campaign_id", id)
	log.Info("stream opened")

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, open := <-sub.C():
			if !open {
				return false
			}
			c.SSEvent("snapshot", snap)
			return !snap.Terminal()
		case now := <-ping.C:
			c.SSEvent("ping", gin.H{"ts": now.UTC().Format(time.RFC3339)})
			return true
		case <-ctx.Done():
			return false
		}
	})
	log.Info("stream closed")
}
