// Package retention runs the periodic data cleanup on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the cleanup once a day at midnight UTC.
const DefaultSchedule = "@daily"

// Cleaner ages out old metrics and alerts. *monitor.Service implements it.
type Cleaner interface {
	ApplyRetention(ctx context.Context) (monitor.CleanupReport, error)
}

// Run records one cleanup run.
type Run struct {
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Attempts   int                   `json:"attempts"`
	Report     monitor.CleanupReport `json:"report"`
	Error      string                `json:"error,omitempty"`
}

// OK reports whether the run succeeded.
func (r Run) OK() bool { return r.Error == "" }

// Job schedules retention cleanups.
type Job struct {
	cleaner  Cleaner
	schedule string
	retry    resolvedRetryPolicy
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	cancel  context.CancelFunc
	last    *Run
	running sync.Mutex
}

// New validates schedule and creates a job. An empty schedule selects
// DefaultSchedule.
func New(cleaner Cleaner, schedule string, logger *zap.Logger) (*Job, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return &Job{
		cleaner:  cleaner,
		schedule: schedule,
		retry:    defaultRetryPolicy(),
		logger:   logger.Named("retention"),
		sleep:    sleepCtx,
	}, nil
}

// SetRetryPolicy replaces the retry policy.
func (j *Job) SetRetryPolicy(p RetryPolicy) error {
	resolved, err := resolveRetryPolicy(p)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retry = resolved
	return nil
}

// Start registers the schedule and begins running. Calling Start twice is a
// no-op.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	id, err := c.AddFunc(j.schedule, func() { j.RunNow(runCtx) })
	if err != nil {
		cancel()
		return fmt.Errorf("schedule retention: %w", err)
	}
	c.Start()
	j.cron, j.entry, j.cancel = c, id, cancel
	j.logger.Info("retention scheduled", zap.String("schedule", j.schedule), zap.Time("next", c.Entry(id).Next))
	return nil
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	c, cancel := j.cron, j.cancel
	j.cron, j.cancel = nil, nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// Next returns the next scheduled run, or the zero time when stopped.
func (j *Job) Next() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron == nil {
		return time.Time{}
	}
	return j.cron.Entry(j.entry).Next
}

// LastRun returns the most recent run.
func (j *Job) LastRun() (Run, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return Run{}, false
	}
	return *j.last, true
}

// RunNow performs one cleanup, retrying failures per the retry policy.
// Concurrent calls run one after another.
func (j *Job) RunNow(ctx context.Context) Run {
	j.running.Lock()
	defer j.running.Unlock()

	j.mu.Lock()
	policy := j.retry
	j.mu.Unlock()

	run := Run{StartedAt: time.Now().UTC()}
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		report, err := j.cleaner.ApplyRetention(ctx)
		run.Report = report
		if err == nil {
			run.Error = ""
			break
		}
		run.Error = err.Error()
		j.logger.Warn("retention cleanup failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err),
		)
		if attempt >= policy.MaxAttempts {
			break
		}
		if err := j.sleep(ctx, policy.delay(attempt)); err != nil {
			run.Error = err.Error()
			break
		}
	}
	run.FinishedAt = time.Now().UTC()

	if run.OK() {
		j.logger.Info("retention cleanup complete",
			zap.Int("alerts_purged", run.Report.AlertsPurged),
			zap.Int64("records_purged", run.Report.RecordsPurged),
			zap.Duration("took", run.FinishedAt.Sub(run.StartedAt)),
		)
	}

	j.mu.Lock()
	j.last = &run
	j.mu.Unlock()
	return run
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
