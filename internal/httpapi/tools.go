package httpapi

import (
	"crypto/subtle"
	"net/http"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/tools"
	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AgentSecretHeader carries the shared secret on tool webhooks.
const AgentSecretHeader = "X-Agent-Secret"

// RequireAgentSecret rejects tool webhooks without the shared secret.
func RequireAgentSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AgentSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent secret"})
			return
		}
		c.Next()
	}
}

type toolRequest struct {
	ToolName  string     `json:"tool_name"`
	Arguments tools.Args `json:"arguments"`
}

// InvokeTool is the unified webhook: {"tool_name": "...", "arguments": {...}}.
func (h Handlers) InvokeTool(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToolName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tool_failed", "code": "validation_error", "message": "tool_name and arguments required"})
		return
	}
	h.dispatch(c, req.ToolName, req.Arguments)
}

// InvokeNamedTool serves POST /tools/:name with the arguments as the body.
func (h Handlers) InvokeNamedTool(c *gin.Context) {
	var args tools.Args
	if err := c.ShouldBindJSON(&args); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tool_failed", "code": "validation_error", "message": "invalid arguments"})
		return
	}
	h.dispatch(c, c.Param("name"), args)
}

func (h Handlers) dispatch(c *gin.Context, name string, args tools.Args) {
	if h.Tools == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tools not configured"})
		return
	}
	res, err := h.Tools.Dispatch(c.Request.Context(), name, args)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			logger.FromGin(c).Error("tool failed", "tool_name", name, "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":   "tool_failed",
			"tool":    tools.Normalize(name),
			"code":    apperr.Code(err),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
