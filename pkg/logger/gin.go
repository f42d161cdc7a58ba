package logger

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginKey          = "logger"
)

// routeParams are copied onto the request logger when the route has them.
var routeParams = map[string]string{
	"id":   "campaign_id",
	"name": "tool_name",
}

// Middleware injects request_id and logs one summary per request.
// Health and readiness paths log at debug; event streams log when they close.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		attrs := []any{"request_id", rid}
		for _, p := range c.Params {
			if key, ok := routeParams[p.Key]; ok {
				attrs = append(attrs, key, p.Value)
			}
		}
		Attach(c, l.With(attrs...))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		summary := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		// handlers may have enriched the logger (user_id)
		log := FromGin(c)
		switch {
		case len(c.Errors) > 0:
			log.Error("request", append(summary, "errors", c.Errors.String())...)
		case path == "/healthz" || path == "/readyz":
			log.Debug("request", summary...)
		case strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream"):
			log.Info("stream ended", summary...)
		default:
			log.Info("request", summary...)
		}
	}
}

// Attach makes l the request logger for the rest of the chain, both on the
// gin context and on the request context.
func Attach(c *gin.Context, l *slog.Logger) {
	c.Set(ginKey, l)
	c.Request = c.Request.WithContext(With(c.Request.Context(), l))
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
