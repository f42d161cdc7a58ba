package telephony

import (
	"errors"
	"net/http"
	"strings"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	VoicePath  = "/webhooks/twilio/voice"
	StatusPath = "/webhooks/twilio/status"
)

// TaskLocator finds the live supervisor of a call task by id alone.
type TaskLocator interface {
	SupervisorByTask(taskID string) (*calltask.Supervisor, error)
}

// TwilioWebhookHandler converts Twilio webhooks into call task operations.
//
// No campaign logic here: the supervisor and its coordinator decide what a
// status means for the campaign.
type TwilioWebhookHandler struct {
	Tasks TaskLocator

	// AuthToken signs Twilio requests. Empty disables validation (loopback only).
	AuthToken string
	// PublicBaseURL must match the URL Twilio was given, scheme and host included.
	PublicBaseURL string
	// StreamURL is the agent's media stream endpoint (wss://...).
	StreamURL string
}

func (h TwilioWebhookHandler) verify(c *gin.Context) bool {
	if h.AuthToken == "" {
		return true
	}
	full := strings.TrimRight(h.PublicBaseURL, "/") + c.Request.URL.RequestURI()
	if err := ValidateSignature(h.AuthToken, full, c.Request); err != nil {
		logger.FromGin(c).Warn("twilio signature rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return false
	}
	return true
}

// HandleVoice answers a connected call with TwiML that streams it to the agent.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)
	if !h.verify(c) {
		return
	}
	form, err := ParseTwilioCallForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_task_id", form.CallTaskID, "call_sid", form.CallSid)

	sup, err := h.Tasks.SupervisorByTask(form.CallTaskID)
	if err != nil || sup.Snapshot().Status.Terminal() {
		log.Info("voice webhook for closed call task, hanging up", "err", err)
		h.writeTwiML(c, RenderHangup)
		return
	}
	if err := sup.Answered(c.Request.Context()); err != nil && !errors.Is(err, apperr.ErrInvalidState) {
		log.Warn("mark answered failed", "err", err)
	}

	t := sup.Snapshot()
	params := map[string]string{
		"campaign_id":   t.CampaignID,
		"call_task_id":  t.ID,
		"provider_name": t.Provider.Name,
	}
	h.writeTwiML(c, func() (string, error) { return RenderConnectStream(h.StreamURL, params) })
}

// HandleStatus applies a carrier status callback. Callbacks for tasks that are
// gone or already closed are acknowledged and dropped.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if !h.verify(c) {
		return
	}
	form, err := ParseTwilioCallForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_task_id", form.CallTaskID, "call_sid", form.CallSid, "call_status", form.CallStatus)

	action, reason := ClassifyStatus(form.CallStatus)
	if action == StatusIgnore {
		c.Status(http.StatusNoContent)
		return
	}
	sup, err := h.Tasks.SupervisorByTask(form.CallTaskID)
	if err != nil {
		log.Info("status for unknown call task", "err", err)
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	switch action {
	case StatusAnswered:
		err = sup.Answered(ctx)
	case StatusEnded:
		_, err = sup.EndCall(ctx, reason)
	}
	if err != nil && !errors.Is(err, apperr.ErrInvalidState) {
		log.Error("apply carrier status failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status not applied"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h TwilioWebhookHandler) writeTwiML(c *gin.Context, render func() (string, error)) {
	twiml, err := render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
