package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestObserveProbeCountsFailures(t *testing.T) {
	m := New()
	m.ObserveProbe("webhook", 20*time.Millisecond, false)
	m.ObserveProbe("webhook", 10*time.Millisecond, true)
	m.ObserveProbe("api", 10*time.Millisecond, true)

	if got := getCounterValue(m.ProbeFailures, "webhook"); got != 1 {
		t.Fatalf("expected 1 webhook failure, got %v", got)
	}
	if got := getCounterValue(m.ProbeFailures, "api"); got != 0 {
		t.Fatalf("expected 0 api failures, got %v", got)
	}
	if got := testutil.CollectAndCount(m.ProbeDuration); got != 2 {
		t.Fatalf("expected 2 histogram series, got %d", got)
	}
}

func TestScoreAndForget(t *testing.T) {
	m := New()
	m.SetScore("inst-1", 75)
	m.ObserveTick("inst-1", TickOK)

	if got := testutil.ToFloat64(m.InstanceScore.WithLabelValues("inst-1")); got != 75 {
		t.Fatalf("expected score 75, got %v", got)
	}

	m.ForgetInstance("inst-1")
	if got := testutil.CollectAndCount(m.InstanceScore); got != 0 {
		t.Fatalf("expected score series removed, got %d", got)
	}
	if got := testutil.CollectAndCount(m.TicksTotal); got != 0 {
		t.Fatalf("expected tick series removed, got %d", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("api", time.Second, false)
	m.ObserveTick("inst-1", TickFailed)
	m.AlertFired("rule", "high")
	m.DispatchFailed("webhook")
	m.PersistenceFailed("upsert_metrics")
	m.SetScore("inst-1", 10)
	m.ForgetInstance("inst-1")
	m.SetMonitored(3)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.AlertFired("instance_disconnected", "high")
	m.SetMonitored(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`connwatch_alerts_fired_total{rule="instance_disconnected",severity="high"} 1`,
		`connwatch_monitored_instances 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
