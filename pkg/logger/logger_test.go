package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		env, level string
		want       slog.Level
	}{
		{"prod", "", slog.LevelInfo},
		{"local", "", slog.LevelDebug},
		{"prod", "WARN", slog.LevelWarn},
		{"dev", "error", slog.LevelError},
		{"prod", "bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.env, tc.level); got != tc.want {
			t.Fatalf("ParseLevel(%q,%q)=%v want %v", tc.env, tc.level, got, tc.want)
		}
	}
}

func TestFromFallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
}

func TestMiddleware_EchoesRequestIDAndLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "prod", "info")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/v1/ping", func(c *gin.Context) {
		FromGin(c).Info("inside")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-Id") != "rid-1" {
		t.Fatalf("expected request id echoed")
	}
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[1], &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["request_id"] != "rid-1" || rec["path"] != "/v1/ping" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestMiddleware_RouteParamsAndAttachedAttrs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "prod", "info")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/v1/campaigns/:id", func(c *gin.Context) {
		Attach(c, FromGin(c).With("user_id", "u1"))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/c-9", nil))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["campaign_id"] != "c-9" || rec["user_id"] != "u1" || rec["path"] != "/v1/campaigns/:id" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
