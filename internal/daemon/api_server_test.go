package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fathom/internal/api"
	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/fanout"
	"fathom/internal/logging"
	"fathom/internal/services/ytdlp"
	"fathom/internal/stage"
	"fathom/internal/store"
	"fathom/internal/testsupport"
	"fathom/internal/workflow"
)

type idleStage struct{}

func (idleStage) Prepare(context.Context, *store.Job) error { return nil }
func (idleStage) Execute(context.Context, *store.Job) error { return nil }
func (idleStage) HealthCheck(context.Context) stage.Health  { return stage.Healthy("idle") }

type fixedProber struct {
	mu   sync.Mutex
	meta ytdlp.Metadata
}

func (p *fixedProber) Probe(context.Context, string) (*ytdlp.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	meta := p.meta
	return &meta, nil
}

type testServer struct {
	srv *apiServer
	cfg *config.Config
	st  *store.Store
	hub *fanout.Hub
}

// newTestServer assembles an unstarted daemon and returns its HTTP surface.
// Handlers are exercised through the middleware-wrapped handler so tests see
// the same chain real clients do.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	engine := entitlement.New(cfg, st, logger)
	mgr := workflow.NewManager(cfg, st, engine, logger)
	mgr.ConfigureStages(workflow.StageSet{Ingest: idleStage{}, Summarize: idleStage{}})
	hub := fanout.NewHub(64)
	prober := &fixedProber{meta: ytdlp.Metadata{
		VideoID:         "dQw4w9WgXcQ",
		Title:           "Go Concurrency Patterns",
		DurationSeconds: 300,
	}}
	jobs := api.NewJobsService(cfg, st, prober, engine, mgr, logger)
	d, err := New(cfg, st, logger, mgr, Options{
		Engine: engine,
		Events: hub,
		Jobs:   jobs,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	if d.apiSrv == nil {
		t.Fatal("expected an API server for a non-empty bind")
	}
	return &testServer{srv: d.apiSrv, cfg: cfg, st: st, hub: hub}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.srv.server.Handler.ServeHTTP(w, req)
	return w
}

func userToken(t *testing.T, cfg *config.Config, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func TestAPIServerRejectsMissingUserToken(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := ts.do(req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w.Body.Bytes()); code != "unauthorized" {
		t.Fatalf("unexpected error code: %q", code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestAPIServerListsOnlyCallerJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	mine := testsupport.NewJob(t, ts.st, "user-1", "https://www.youtube.com/watch?v=mine0001")
	testsupport.NewJob(t, ts.st, "user-2", "https://www.youtube.com/watch?v=other001")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+userToken(t, ts.cfg, "user-1"))
	w := ts.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.JobListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(resp.Jobs))
	}
	if resp.Jobs[0].ID != mine.ID {
		t.Fatalf("unexpected job id: %q", resp.Jobs[0].ID)
	}
}

func TestAPIServerCreateSummaryJob(t *testing.T) {
	ts := newTestServer(t, nil)
	token := userToken(t, ts.cfg, "user-1")
	body := `{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`

	req := httptest.NewRequest(http.MethodPost, "/api/summaries", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := ts.do(req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Job.Title != "Go Concurrency Patterns" {
		t.Fatalf("unexpected title: %q", resp.Job.Title)
	}

	// Resubmitting the same URL joins the active job instead of duplicating it.
	req = httptest.NewRequest(http.MethodPost, "/api/summaries", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = ts.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on rejoin, got %d: %s", w.Code, w.Body.String())
	}
	var joined api.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &joined); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if joined.Job.ID != resp.Job.ID {
		t.Fatalf("expected to join job %q, got %q", resp.Job.ID, joined.Job.ID)
	}
}

func TestAPIServerStatusRequiresAdminToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Paths.APIToken = "admin-secret"
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w = ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
	var status api.DaemonStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Running {
		t.Fatal("expected an unstarted daemon to report not running")
	}
	if status.PID <= 0 {
		t.Fatalf("unexpected pid: %d", status.PID)
	}
}

func TestAPIServerRateLimitsPerClient(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitPerMinute = 2
	})
	token := userToken(t, ts.cfg, "user-1")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		if w := ts.do(req); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := ts.do(req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
	if code := decodeErrorCode(t, w.Body.Bytes()); code != "rate_limited" {
		t.Fatalf("unexpected error code: %q", code)
	}

	// Health probes stay exempt so monitoring is never throttled.
	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if w := ts.do(health); w.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass the limiter, got %d", w.Code)
	}
}

func TestAPIServerRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.API.MaxRequestBytes = 64
	})
	token := userToken(t, ts.cfg, "user-1")
	body := `{"url":"https://www.youtube.com/watch?v=` + strings.Repeat("a", 512) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/summaries", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := ts.do(req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w.Body.Bytes()); code != "request_too_large" {
		t.Fatalf("unexpected error code: %q", code)
	}
}

func TestAPIServerEventFeedScopedToOwner(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.hub.Publish(fanout.JobEvent{JobID: "job-1", UserID: "user-1", Status: store.StatusQueued})
	ts.hub.Publish(fanout.JobEvent{JobID: "job-2", UserID: "user-2", Status: store.StatusQueued})

	req := httptest.NewRequest(http.MethodGet, "/api/events?since=0&wait=0", nil)
	req.Header.Set("Authorization", "Bearer "+userToken(t, ts.cfg, "user-1"))
	w := ts.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.EventFeedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
	if resp.Events[0].JobID != "job-1" {
		t.Fatalf("unexpected job id: %q", resp.Events[0].JobID)
	}
	if resp.Next == 0 {
		t.Fatal("expected a non-zero next cursor")
	}
}

func TestAPIServerStreamsTerminalSnapshot(t *testing.T) {
	ts := newTestServer(t, nil)
	job := testsupport.NewJob(t, ts.st, "user-1", "https://www.youtube.com/watch?v=done0001")
	job.Status = store.StatusCompleted
	if err := ts.st.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+userToken(t, ts.cfg, "user-1"))
	w := ts.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("expected an SSE data frame, got %q", body)
	}
	var evt fanout.JobEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(body), "data: ")), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if !evt.Terminal {
		t.Fatal("expected a terminal event for a completed job")
	}
	if evt.JobID != job.ID {
		t.Fatalf("unexpected job id: %q", evt.JobID)
	}
}

func TestAPIServerHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := ts.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected status: %q", resp["status"])
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	limiter := newRateLimiter(2)
	now := time.Now()

	for i := 0; i < 2; i++ {
		if _, ok := limiter.allow("10.0.0.1", now); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	retryAfter, ok := limiter.allow("10.0.0.1", now)
	if ok {
		t.Fatal("third request should be limited")
	}
	if retryAfter == "" {
		t.Fatal("expected a retry-after value")
	}

	// Another client keeps its own window.
	if _, ok := limiter.allow("10.0.0.2", now); !ok {
		t.Fatal("separate client should pass")
	}

	// The window resets after a minute.
	if _, ok := limiter.allow("10.0.0.1", now.Add(61*time.Second)); !ok {
		t.Fatal("request after window reset should pass")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "/api/summaries", want: "/api/summaries"},
		{path: "/api/summaries/42", want: "/api/summaries/{id}"},
		{path: "/api/summaries/42/pdf", want: "/api/summaries/{id}/pdf"},
		{path: "/api/jobs", want: "/api/jobs"},
		{path: "/api/jobs/abc123", want: "/api/jobs/{id}"},
		{path: "/api/jobs/abc123/events", want: "/api/jobs/{id}/events"},
		{path: "/api/billing/usage", want: "/api/billing/usage"},
		{path: "/healthz", want: "/healthz"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Fatalf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
