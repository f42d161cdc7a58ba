package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/auth"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/internal/config"
	"swarm-scheduler/internal/events"
	"swarm-scheduler/internal/reporting"
	"swarm-scheduler/internal/softlock"
	"swarm-scheduler/internal/tools"

	"github.com/gin-gonic/gin"
)

type fakeCampaigns struct {
	bus *events.Bus[campaign.Snapshot]

	created    campaign.Request
	snap       campaign.Snapshot
	getErr     error
	createErr  error
	confirm    campaign.Appointment
	confirmErr error
	cancelled  bool
	reaped     int
}

func (f *fakeCampaigns) Create(_ context.Context, ownerID string, req campaign.Request) (campaign.Campaign, error) {
	if f.createErr != nil {
		return campaign.Campaign{}, f.createErr
	}
	f.created = req
	return campaign.Campaign{ID: "camp-1", OwnerID: ownerID, Status: campaign.StatusCreated}, nil
}

func (f *fakeCampaigns) Get(_ context.Context, _, _ string) (campaign.Snapshot, error) {
	return f.snap, f.getErr
}

func (f *fakeCampaigns) Results(_ context.Context, _, _ string) ([]calltask.Task, error) {
	return f.snap.Tasks, f.getErr
}

func (f *fakeCampaigns) Confirm(_ context.Context, _, _, _ string) (campaign.Appointment, error) {
	return f.confirm, f.confirmErr
}

func (f *fakeCampaigns) Cancel(_ context.Context, _, _ string) error {
	f.cancelled = true
	return nil
}

func (f *fakeCampaigns) Appointments(_ context.Context, _ string) ([]campaign.Appointment, error) {
	return nil, nil
}

func (f *fakeCampaigns) Subscribe(_ context.Context, _, id string) (*events.Subscription[campaign.Snapshot], error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.bus.Subscribe(id), nil
}

func (f *fakeCampaigns) Reap(context.Context) campaign.ReapReport {
	f.reaped++
	return campaign.ReapReport{Failed: 1}
}

// sseRecorder adds CloseNotify, which gin's Stream requires.
type sseRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func asUser(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}
}

func newTestRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", asUser("user-1", "user"))
	v1.POST("/campaigns", h.CreateCampaign)
	v1.GET("/campaigns/:id", h.GetCampaign)
	v1.GET("/campaigns/:id/results", h.GetResults)
	v1.GET("/campaigns/:id/stream", h.StreamCampaign)
	v1.POST("/campaigns/:id/confirm", h.ConfirmCampaign)
	v1.POST("/campaigns/:id/cancel", h.CancelCampaign)
	v1.GET("/appointments", h.ListAppointments)
	v1.GET("/admin/reports/campaigns", h.CampaignReport)
	v1.POST("/admin/reaper/run", h.RunReaper)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateCampaign(t *testing.T) {
	f := &fakeCampaigns{}
	r := newTestRouter(Handlers{Campaigns: f})

	w := do(r, http.MethodPost, "/v1/campaigns", map[string]any{
		"prompt": "dentist tomorrow morning",
		"intent": map[string]any{"service_type": "dentist"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if f.created.Intent.ServiceType != "dentist" {
		t.Fatalf("intent not passed through: %+v", f.created)
	}
	if got := decode(t, w)["owner_id"]; got != "user-1" {
		t.Fatalf("expected owner from token, got %v", got)
	}
}

func TestCreateCampaign_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{apperr.Validation("prompt required"), http.StatusBadRequest, "validation_error"},
		{apperr.Conflict("too many active campaigns"), http.StatusConflict, "conflict"},
		{apperr.Upstream("quota", context.DeadlineExceeded), http.StatusBadGateway, "upstream_failure"},
	}
	for _, tc := range cases {
		r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{createErr: tc.err}})
		w := do(r, http.MethodPost, "/v1/campaigns", map[string]any{"prompt": "x"})
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
		if got := decode(t, w)["error"]; got != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, got)
		}
	}
}

func TestGetCampaign_NotFound(t *testing.T) {
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{getErr: apperr.NotFound("campaign x")}})
	if w := do(r, http.MethodGet, "/v1/campaigns/x", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestConfirmCampaign(t *testing.T) {
	f := &fakeCampaigns{confirm: campaign.Appointment{ID: "appt-1", Date: "2023-11-15", Time: "10:00"}}
	r := newTestRouter(Handlers{Campaigns: f})

	if w := do(r, http.MethodPost, "/v1/campaigns/c1/confirm", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without call_task_id, got %d", w.Code)
	}

	w := do(r, http.MethodPost, "/v1/campaigns/c1/confirm", map[string]any{"call_task_id": "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["id"]; got != "appt-1" {
		t.Fatalf("unexpected appointment: %s", w.Body.String())
	}

	f.confirmErr = apperr.Conflict("slot taken")
	if w := do(r, http.MethodPost, "/v1/campaigns/c1/confirm", map[string]any{"call_task_id": "t1"}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCancelCampaign_ReturnsSnapshot(t *testing.T) {
	f := &fakeCampaigns{snap: campaign.Snapshot{Campaign: campaign.Campaign{ID: "c1", Status: campaign.StatusCancelled}}}
	r := newTestRouter(Handlers{Campaigns: f})

	w := do(r, http.MethodPost, "/v1/campaigns/c1/cancel", nil)
	if w.Code != http.StatusOK || !f.cancelled {
		t.Fatalf("expected cancel, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("expected cancelled snapshot: %s", w.Body.String())
	}
}

func TestListAppointments_EmptyList(t *testing.T) {
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{}})
	w := do(r, http.MethodGet, "/v1/appointments", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"appointments":[]`) {
		t.Fatalf("expected empty list, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStreamCampaign_EndsOnTerminalSnapshot(t *testing.T) {
	bus := events.NewBus[campaign.Snapshot](0)
	bus.Publish("c1", campaign.Snapshot{Campaign: campaign.Campaign{ID: "c1", Status: campaign.StatusDialing}}, false)
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{bus: bus}, PingInterval: time.Hour})

	go func() {
		for bus.Subscribers("c1") == 0 {
			time.Sleep(time.Millisecond)
		}
		bus.Publish("c1", campaign.Snapshot{Campaign: campaign.Campaign{ID: "c1", Status: campaign.StatusConfirmed}}, true)
	}()

	w := &sseRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns/c1/stream", nil)
	r.ServeHTTP(w, req)

	body := w.Body.String()
	if n := strings.Count(body, "event:snapshot"); n != 2 {
		t.Fatalf("expected two snapshot events, got %d: %s", n, body)
	}
	if !strings.Contains(body, `"status":"confirmed"`) {
		t.Fatalf("expected terminal snapshot: %s", body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream content type, got %q", ct)
	}
}

func TestStreamCampaign_Ping(t *testing.T) {
	bus := events.NewBus[campaign.Snapshot](0)
	bus.Open("c1")
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{bus: bus}, PingInterval: 10 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish("c1", campaign.Snapshot{Campaign: campaign.Campaign{ID: "c1", Status: campaign.StatusFailed}}, true)
	}()

	w := &sseRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/c1/stream", nil))
	if !strings.Contains(w.Body.String(), "event:ping") {
		t.Fatalf("expected a ping event: %s", w.Body.String())
	}
}

func TestStreamCampaign_UnknownCampaign(t *testing.T) {
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{getErr: apperr.NotFound("campaign x")}})
	if w := do(r, http.MethodGet, "/v1/campaigns/x/stream", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCampaignReport(t *testing.T) {
	repo := campaign.NewMemoryRepo()
	now := time.Now().UTC()
	_ = repo.SaveCampaign(context.Background(), campaign.Campaign{ID: "c1", Status: campaign.StatusConfirmed, CreatedAt: now.Add(-time.Hour)})
	r := newTestRouter(Handlers{Campaigns: &fakeCampaigns{}, Reports: reporting.NewService(repo)})

	w := do(r, http.MethodGet, "/v1/admin/reports/campaigns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"confirmed":1`) {
		t.Fatalf("expected one confirmed campaign: %s", w.Body.String())
	}

	if w := do(r, http.MethodGet, "/v1/admin/reports/campaigns?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad range, got %d", w.Code)
	}
}

func TestRunReaper(t *testing.T) {
	f := &fakeCampaigns{}
	r := newTestRouter(Handlers{Campaigns: f})
	w := do(r, http.MethodPost, "/v1/admin/reaper/run", nil)
	if w.Code != http.StatusOK || f.reaped != 1 {
		t.Fatalf("expected one reaper pass, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"failed":1`) {
		t.Fatalf("unexpected report: %s", w.Body.String())
	}
}

func TestLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	off := gin.New()
	off.POST("/login", Handlers{Auth: m}.Login)
	if w := do(off, http.MethodPost, "/login", map[string]any{"user_id": "u1"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when dev login is off, got %d", w.Code)
	}

	on := gin.New()
	on.POST("/login", Handlers{Auth: m, DevLogin: true}.Login)
	on.POST("/refresh", Handlers{Auth: m}.Refresh)

	if w := do(on, http.MethodPost, "/login", map[string]any{"user_id": "u1", "role": "root"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}

	w := do(on, http.MethodPost, "/login", map[string]any{"user_id": "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	claims, err := m.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.UserID != "u1" || claims.Role != "user" {
		t.Fatalf("unexpected claims %+v: %v", claims, err)
	}

	if w := do(on, http.MethodPost, "/refresh", map[string]any{"refresh_token": pair.RefreshToken}); w.Code != http.StatusOK {
		t.Fatalf("expected refresh to succeed, got %d", w.Code)
	}
	if w := do(on, http.MethodPost, "/refresh", map[string]any{"refresh_token": pair.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected access token refused for refresh, got %d", w.Code)
	}
}

type resolverMap map[string]*calltask.Supervisor

func (m resolverMap) Supervisor(campaignID, taskID string) (*calltask.Supervisor, error) {
	if s, ok := m[campaignID+"/"+taskID]; ok {
		return s, nil
	}
	return nil, apperr.NotFound("call task %s", taskID)
}

func newToolRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := calltask.NewSupervisor(
		calltask.Task{ID: "t1", CampaignID: "c1", Status: calltask.StatusDialing},
		calltask.Config{UserID: "u1", HoldTTL: time.Minute, Budget: time.Minute},
		calltask.Deps{Calendar: calendar.NewMemory(), Locks: softlock.NewMemoryStore()},
	)
	h := Handlers{Tools: tools.NewDispatcher(resolverMap{"c1/t1": sup}, time.Second)}

	r := gin.New()
	g := r.Group("/tools", RequireAgentSecret("s3cret"))
	g.POST("", h.InvokeTool)
	g.POST("/:name", h.InvokeNamedTool)
	return r
}

func doTool(r http.Handler, path, secret string, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(AgentSecretHeader, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTools_RequireSecret(t *testing.T) {
	r := newToolRouter(t)
	body := map[string]any{"tool_name": "end_call", "arguments": map[string]any{"campaign_id": "c1", "call_task_id": "t1"}}
	if w := doTool(r, "/tools", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", w.Code)
	}
	if w := doTool(r, "/tools", "wrong", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", w.Code)
	}
}

func TestTools_UnifiedWebhook(t *testing.T) {
	r := newToolRouter(t)
	w := doTool(r, "/tools", "s3cret", map[string]any{
		"tool_name": "endCall",
		"arguments": map[string]any{"campaign_id": "c1", "call_task_id": "t1", "reason": "no_answer"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["ok"] != true || out["status"] != "no_answer" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestTools_FailuresAreToolFailed(t *testing.T) {
	r := newToolRouter(t)

	w := doTool(r, "/tools/book_slot", "s3cret", map[string]any{"campaign_id": "c1", "call_task_id": "nope"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
	out := decode(t, w)
	if out["error"] != "tool_failed" || out["code"] != "not_found" || out["tool"] != "book_slot" {
		t.Fatalf("unexpected failure body: %v", out)
	}

	w = doTool(r, "/tools/teleport", "s3cret", map[string]any{"campaign_id": "c1", "call_task_id": "t1"})
	if w.Code != http.StatusNotFound || decode(t, w)["error"] != "tool_failed" {
		t.Fatalf("expected tool_failed 404 for unknown tool, got %d", w.Code)
	}

	w = doTool(r, "/tools", "s3cret", map[string]any{"arguments": map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tool_name, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1)
	r := gin.New()
	r.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected other client to have its own bucket, got %d", w.Code)
	}
}
