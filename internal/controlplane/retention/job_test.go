package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"
)

type fakeCleaner struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (c *fakeCleaner) ApplyRetention(context.Context) (monitor.CleanupReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return monitor.CleanupReport{}, errors.New("database is locked")
	}
	return monitor.CleanupReport{AlertsPurged: 2, RecordsPurged: 9}, nil
}

func (c *fakeCleaner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newJob(t *testing.T, c Cleaner, schedule string) (*Job, *[]time.Duration) {
	t.Helper()
	j, err := New(c, schedule, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var slept []time.Duration
	j.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return j, &slept
}

func TestNewValidatesSchedule(t *testing.T) {
	if _, err := New(&fakeCleaner{}, "every tuesday", nil); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	j, err := New(&fakeCleaner{}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if j.schedule != DefaultSchedule {
		t.Fatalf("expected default schedule, got %q", j.schedule)
	}
	if _, err := New(&fakeCleaner{}, "30 3 * * *", nil); err != nil {
		t.Fatalf("standard cron spec rejected: %v", err)
	}
}

func TestRunNowSuccess(t *testing.T) {
	c := &fakeCleaner{}
	j, slept := newJob(t, c, "@daily")

	if _, ok := j.LastRun(); ok {
		t.Fatal("expected no run yet")
	}
	run := j.RunNow(context.Background())
	if !run.OK() || run.Attempts != 1 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Report.RecordsPurged != 9 || run.Report.AlertsPurged != 2 {
		t.Fatalf("unexpected report %+v", run.Report)
	}
	if len(*slept) != 0 {
		t.Fatalf("no backoff expected, got %v", *slept)
	}
	last, ok := j.LastRun()
	if !ok || last.Attempts != 1 {
		t.Fatalf("unexpected last run %+v", last)
	}
}

func TestRunNowRetriesWithBackoff(t *testing.T) {
	c := &fakeCleaner{failures: 2}
	j, slept := newJob(t, c, "@daily")

	run := j.RunNow(context.Background())
	if !run.OK() || run.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", run)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("expected backoff %v, got %v", want, *slept)
	}
}

func TestRunNowGivesUp(t *testing.T) {
	c := &fakeCleaner{failures: 10}
	j, _ := newJob(t, c, "@daily")
	if err := j.SetRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialBackoff: "1s"}); err != nil {
		t.Fatal(err)
	}

	run := j.RunNow(context.Background())
	if run.OK() || run.Attempts != 2 || c.Calls() != 2 {
		t.Fatalf("expected two failed attempts, got %+v calls=%d", run, c.Calls())
	}
}

func TestRunNowStopsOnCancelledContext(t *testing.T) {
	c := &fakeCleaner{failures: 10}
	j, err := New(c, "@daily", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := j.RunNow(ctx)
	if run.OK() || run.Attempts != 1 || run.Error != context.Canceled.Error() {
		t.Fatalf("expected cancellation after first attempt, got %+v", run)
	}
}

func TestRetryPolicyValidation(t *testing.T) {
	j, _ := newJob(t, &fakeCleaner{}, "@daily")
	bad := []RetryPolicy{
		{MaxAttempts: -1},
		{InitialBackoff: "soon"},
		{Multiplier: 0.5},
		{MaxBackoff: "-1s"},
	}
	for _, p := range bad {
		if err := j.SetRetryPolicy(p); err == nil {
			t.Errorf("expected error for %+v", p)
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	p, err := resolveRetryPolicy(RetryPolicy{InitialBackoff: "10s", Multiplier: 3, MaxBackoff: "1m"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 30 * time.Second},
		{3, time.Minute},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	g := gomega.NewWithT(t)
	c := &fakeCleaner{}
	j, _ := newJob(t, c, "@every 1s")

	g.Expect(j.Start(context.Background())).To(gomega.Succeed())
	g.Expect(j.Start(context.Background())).To(gomega.Succeed())
	g.Expect(j.Next()).NotTo(gomega.BeZero())

	g.Eventually(c.Calls, 3*time.Second, 50*time.Millisecond).Should(gomega.BeNumerically(">=", 1))
	j.Stop()
	g.Expect(j.Next()).To(gomega.BeZero())

	calls := c.Calls()
	g.Consistently(c.Calls, 1500*time.Millisecond, 100*time.Millisecond).Should(gomega.Equal(calls))
	j.Stop()
}
