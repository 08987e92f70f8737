package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/config"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/marcus-qen/connwatch/internal/controlplane/retention"
	cpws "github.com/marcus-qen/connwatch/internal/controlplane/websocket"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

type fakeProbe struct {
	mu     sync.Mutex
	states map[string]string
}

func (p *fakeProbe) setState(id, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = state
}

func (p *fakeProbe) CheckAPIHealth(context.Context) (healthcheck.APIHealth, error) {
	return healthcheck.APIHealth{Status: "ok", LatencyMs: 20}, nil
}

func (p *fakeProbe) GetInstanceState(_ context.Context, id string) (healthcheck.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[id]; ok {
		return healthcheck.InstanceState{State: s}, nil
	}
	return healthcheck.InstanceState{State: "open"}, nil
}

func (p *fakeProbe) GetWebhookConfig(context.Context, string) (healthcheck.WebhookConfig, error) {
	return healthcheck.WebhookConfig{Enabled: true}, nil
}

func (p *fakeProbe) MeasureConnectivity(context.Context, string) (healthcheck.Connectivity, error) {
	return healthcheck.Connectivity{LatencyMs: 40}, nil
}

type testServer struct {
	*Server
	probe *fakeProbe
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithConfig(t, config.Config{ListenAddr: ":0"})
}

func newTestServerWithConfig(t *testing.T, cfg config.Config) *testServer {
	t.Helper()

	probe := &fakeProbe{states: map[string]string{}}
	bus := events.NewBus(64)
	m := metrics.New()
	svc, err := monitor.New(monitor.Options{
		Client:  probe,
		Bus:     bus,
		Metrics: m,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	job, err := retention.New(svc, retention.DefaultSchedule, zap.NewNop())
	if err != nil {
		t.Fatalf("new retention job: %v", err)
	}

	srv, err := New(cfg, Deps{
		Monitor:   svc,
		Hub:       cpws.NewHub(bus, zap.NewNop()),
		Metrics:   m,
		Retention: job,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return &testServer{Server: srv, probe: probe}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body=%q)", err, rr.Body.String())
	}
	return out
}

func TestNewRequiresMonitor(t *testing.T) {
	if _, err := New(config.Config{}, Deps{}, nil); err == nil {
		t.Fatal("expected error without a monitor service")
	}
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	srv.handleHealthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("expected body to contain ok, got %q", rr.Body.String())
	}
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t)

	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = "v0.4.0-test", "f00d", "2026-10-01"
	defer func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	}()

	rr := srv.do(http.MethodGet, "/version", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := decodeBody[map[string]string](t, rr)
	if got["version"] != "v0.4.0-test" || got["commit"] != "f00d" || got["date"] != "2026-10-01" {
		t.Fatalf("unexpected version payload: %#v", got)
	}
}

func TestWriteJSONError_UsesStableJSONEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONError(rr, http.StatusBadRequest, "invalid_request", `bad input: "quoted" value`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json content type, got %q", ct)
	}
	payload := decodeBody[APIError](t, rr)
	if payload.Code != "invalid_request" || payload.Error != `bad input: "quoted" value` {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.monitor.StartMonitoring("inst-m", time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	g := NewWithT(t)
	g.Eventually(func() string {
		return srv.do(http.MethodGet, "/metrics", "").Body.String()
	}, 3*time.Second, 50*time.Millisecond).Should(ContainSubstring("connwatch_"))
}

func TestStartMonitoringThenReadInstance(t *testing.T) {
	srv := newTestServer(t)
	g := NewWithT(t)

	rr := srv.do(http.MethodPost, "/api/v1/instances/inst-1/monitor", `{"interval_ms": 1000}`)
	g.Expect(rr.Code).To(Equal(http.StatusAccepted), rr.Body.String())

	g.Eventually(func() int {
		rr := srv.do(http.MethodGet, "/api/v1/instances/inst-1/history", "")
		if rr.Code != http.StatusOK {
			return 0
		}
		return len(decodeBody[[]fleet.ConnectionMetrics](t, rr))
	}, 3*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))

	rr = srv.do(http.MethodGet, "/api/v1/instances/inst-1", "")
	g.Expect(rr.Code).To(Equal(http.StatusOK))
	view := decodeBody[instanceView](t, rr)
	g.Expect(view.Monitored).To(BeTrue())
	g.Expect(view.Status).To(Equal(fleet.StatusConnected))
	g.Expect(view.TotalChecks).To(BeNumerically(">=", 1))

	rr = srv.do(http.MethodGet, "/api/v1/monitoring", "")
	g.Expect(rr.Body.String()).To(ContainSubstring(`"instance_id":"inst-1"`))

	rr = srv.do(http.MethodDelete, "/api/v1/instances/inst-1/monitor", "")
	g.Expect(rr.Code).To(Equal(http.StatusNoContent))
	rr = srv.do(http.MethodDelete, "/api/v1/instances/inst-1/monitor", "")
	g.Expect(rr.Code).To(Equal(http.StatusNotFound))

	// Metrics survive a stop.
	rr = srv.do(http.MethodGet, "/api/v1/instances/inst-1", "")
	g.Expect(rr.Code).To(Equal(http.StatusOK))
}

func TestStartMonitoringRejectsShortInterval(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(http.MethodPost, "/api/v1/instances/inst-1/monitor", `{"interval_ms": 10}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rr.Code, rr.Body.String())
	}
	if payload := decodeBody[APIError](t, rr); payload.Code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %+v", payload)
	}
	if srv.monitor.IsMonitored("inst-1") {
		t.Fatal("instance must not be monitored after a rejected start")
	}
}

func TestUnknownInstanceIs404(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/instances/ghost", ""},
		{http.MethodGet, "/api/v1/instances/ghost/history", ""},
		{http.MethodDelete, "/api/v1/instances/ghost", ""},
		{http.MethodPost, "/api/v1/instances/ghost/status", `{"status":"connected"}`},
		{http.MethodPost, "/api/v1/instances/ghost/qrcode", ""},
		{http.MethodPost, "/api/v1/instances/ghost/messages", `{"count":3}`},
		{http.MethodPost, "/api/v1/alerts/nope/acknowledge", ""},
		{http.MethodPost, "/api/v1/alerts/nope/resolve", ""},
		{http.MethodGet, "/api/v1/alerts/nope", ""},
	} {
		rr := srv.do(tc.method, tc.path, tc.body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d (%s)", tc.method, tc.path, rr.Code, rr.Body.String())
		}
	}
}

func TestPushedEvents(t *testing.T) {
	srv := newTestServer(t)
	g := NewWithT(t)
	g.Expect(srv.monitor.StartMonitoring("inst-p", time.Minute)).To(Succeed())
	g.Eventually(func() int {
		m, _ := srv.monitor.GetMetrics("inst-p")
		return m.TotalChecks
	}, 3*time.Second, 20*time.Millisecond).Should(Equal(1))

	rr := srv.do(http.MethodPost, "/api/v1/instances/inst-p/status", `{"status":"connecting"}`)
	g.Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
	g.Expect(decodeBody[fleet.ConnectionMetrics](t, rr).ReconnectionAttempts).To(Equal(1))

	rr = srv.do(http.MethodPost, "/api/v1/instances/inst-p/status", `{"status":"sleeping"}`)
	g.Expect(rr.Code).To(Equal(http.StatusBadRequest))

	g.Expect(srv.do(http.MethodPost, "/api/v1/instances/inst-p/qrcode", "").Code).To(Equal(http.StatusNoContent))
	g.Expect(srv.do(http.MethodPost, "/api/v1/instances/inst-p/messages", `{"count":5}`).Code).To(Equal(http.StatusNoContent))
	g.Expect(srv.do(http.MethodPost, "/api/v1/instances/inst-p/messages", `{"count":0}`).Code).To(Equal(http.StatusBadRequest))

	m, ok := srv.monitor.GetMetrics("inst-p")
	g.Expect(ok).To(BeTrue())
	g.Expect(m.QRCodeGenerations).To(Equal(1))
	g.Expect(m.MessagesProcessed).To(Equal(int64(5)))
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	g := NewWithT(t)
	srv.probe.setState("inst-down", "close")

	g.Expect(srv.monitor.StartMonitoring("inst-down", time.Minute)).To(Succeed())

	var active []alerts.Alert
	g.Eventually(func() int {
		rr := srv.do(http.MethodGet, "/api/v1/alerts/active?instance=inst-down", "")
		active = decodeBody[[]alerts.Alert](t, rr)
		return len(active)
	}, 3*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 1))

	id := active[0].ID
	rr := srv.do(http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", "")
	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(decodeBody[alerts.Alert](t, rr).Acknowledged).To(BeTrue())

	rr = srv.do(http.MethodPost, "/api/v1/alerts/"+id+"/resolve", "")
	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(decodeBody[alerts.Alert](t, rr).ResolvedAt).NotTo(BeNil())

	// Resolved alerts cannot be acknowledged again.
	g.Expect(srv.do(http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", "").Code).To(Equal(http.StatusNotFound))

	rr = srv.do(http.MethodGet, "/api/v1/alerts/history?instance=inst-down&limit=10", "")
	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(decodeBody[[]alerts.Alert](t, rr)).NotTo(BeEmpty())

	g.Expect(srv.do(http.MethodGet, "/api/v1/alerts/history?limit=-1", "").Code).To(Equal(http.StatusBadRequest))

	stats := decodeBody[monitor.GlobalStats](t, srv.do(http.MethodGet, "/api/v1/stats", ""))
	g.Expect(stats.TotalInstances).To(Equal(1))
	g.Expect(stats.Disconnected).To(Equal(1))
	g.Expect(stats.OverallHealth).To(Equal(0))
}

func TestAlertRules(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(http.MethodGet, "/api/v1/alert-rules", "")
	rules := decodeBody[[]alerts.RuleSpec](t, rr)
	if len(rules) == 0 {
		t.Fatal("expected default rules")
	}

	body := `{"name":"Slow","severity":"low","cooldown_seconds":60,"enabled":true,
		"condition":{"metric":"response_time_ms","operator":">","threshold":2500}}`
	rr = srv.do(http.MethodPut, "/api/v1/alert-rules/slow_api", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	got := decodeBody[alerts.RuleSpec](t, rr)
	if got.ID != "slow_api" || got.Condition.Threshold != 2500 {
		t.Fatalf("unexpected rule %+v", got)
	}

	rr = srv.do(http.MethodPut, "/api/v1/alert-rules/slow_api", strings.Replace(body, `"low"`, `"urgent"`, 1))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad severity, got %d", rr.Code)
	}

	rr = srv.do(http.MethodPut, "/api/v1/alert-rules/slow_api", `{"id":"other","name":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched id, got %d", rr.Code)
	}
}

func TestCleanup(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(http.MethodPost, "/api/v1/maintenance/cleanup", `{"days_to_keep": 7}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	report := decodeBody[monitor.CleanupReport](t, rr)
	if time.Since(report.Cutoff) < 7*24*time.Hour-time.Minute {
		t.Fatalf("unexpected cutoff %s", report.Cutoff)
	}

	rr = srv.do(http.MethodPost, "/api/v1/maintenance/cleanup?older_than=30d", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for older_than, got %d (%s)", rr.Code, rr.Body.String())
	}

	for _, bad := range []string{`{"days_to_keep": 0}`, `{}`, `not json`} {
		rr = srv.do(http.MethodPost, "/api/v1/maintenance/cleanup", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", bad, rr.Code)
		}
	}
	rr = srv.do(http.MethodPost, "/api/v1/maintenance/cleanup?older_than=2h", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for sub-day window, got %d", rr.Code)
	}
}

func TestRetentionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(http.MethodPost, "/api/v1/maintenance/retention/run", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	run := decodeBody[retention.Run](t, rr)
	if !run.OK() || run.Attempts != 1 {
		t.Fatalf("unexpected run %+v", run)
	}

	rr = srv.do(http.MethodGet, "/api/v1/maintenance/retention", "")
	status := decodeBody[map[string]json.RawMessage](t, rr)
	if _, ok := status["last_run"]; !ok {
		t.Fatalf("expected last_run in %v", status)
	}
}

func TestTokenAuth(t *testing.T) {
	srv := newTestServerWithConfig(t, config.Config{ListenAddr: ":0", AuthToken: "s3cret"})

	if rr := srv.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz must skip auth, got %d", rr.Code)
	}
	if rr := srv.do(http.MethodGet, "/api/v1/stats", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}
