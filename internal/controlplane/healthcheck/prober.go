package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single sub-check.
const DefaultTimeout = 10 * time.Second

// ErrWebhookDisabled is recorded when an instance has no webhook configured.
var ErrWebhookDisabled = errors.New("webhook disabled")

// Prober runs the four sub-checks for an instance and scores the outcome.
type Prober struct {
	client  ProbeClient
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProber creates a prober. A non-positive timeout selects DefaultTimeout.
func NewProber(client ProbeClient, timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("prober"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for result timestamps.
func (p *Prober) SetClock(now func() time.Time) {
	p.now = now
}

// SetRecorder attaches Prometheus instrumentation.
func (p *Prober) SetRecorder(m *metrics.Metrics) {
	p.metrics = m
}

// Check runs one probe cycle. current is the record as it stood before this
// cycle; its error count feeds the score penalty. Sub-check failures are
// recorded in the result and never abort the remaining sub-checks.
func (p *Prober) Check(ctx context.Context, instanceID string, current fleet.ConnectionMetrics) Result {
	checks := make(map[CheckName]CheckResult, len(Checks))

	checks[CheckAPI] = p.run(ctx, instanceID, CheckAPI, func(ctx context.Context) (int64, string, error) {
		h, err := p.client.CheckAPIHealth(ctx)
		if err != nil {
			return 0, "", err
		}
		if !apiStatusOK(h.Status) {
			return h.LatencyMs, h.Status, fmt.Errorf("api reported status %q", h.Status)
		}
		return h.LatencyMs, h.Status, nil
	})

	var state string
	checks[CheckInstanceState] = p.run(ctx, instanceID, CheckInstanceState, func(ctx context.Context) (int64, string, error) {
		s, err := p.client.GetInstanceState(ctx, instanceID)
		if err != nil {
			return 0, "", err
		}
		state = strings.ToLower(strings.TrimSpace(s.State))
		return 0, state, nil
	})

	checks[CheckWebhook] = p.run(ctx, instanceID, CheckWebhook, func(ctx context.Context) (int64, string, error) {
		w, err := p.client.GetWebhookConfig(ctx, instanceID)
		if err != nil {
			return 0, "", err
		}
		if !w.Enabled {
			return 0, "", ErrWebhookDisabled
		}
		return 0, w.URL, nil
	})

	checks[CheckConnectivity] = p.run(ctx, instanceID, CheckConnectivity, func(ctx context.Context) (int64, string, error) {
		c, err := p.client.MeasureConnectivity(ctx, instanceID)
		if err != nil {
			return 0, "", err
		}
		return c.LatencyMs, "", nil
	})

	okCount := 0
	for _, c := range checks {
		if c.OK() {
			okCount++
		}
	}

	var apiLatency int64
	if api := checks[CheckAPI]; api.OK() {
		apiLatency = api.LatencyMs
	}

	score := Score(okCount, len(Checks), apiLatency, current.ErrorCount)
	res := Result{
		InstanceID:      instanceID,
		Checks:          checks,
		Score:           score,
		Quality:         fleet.QualityForScore(score),
		IsHealthy:       fleet.IsHealthy(score),
		Recommendations: recommendations(checks, state, current.ErrorCount),
		Status:          statusFor(checks, state),
		State:           state,
		Timestamp:       p.now(),
	}

	if failed := len(Checks) - okCount; failed > 0 {
		p.logger.Debug("probe cycle had failed sub-checks",
			zap.String("instance_id", instanceID),
			zap.Int("failed", failed),
			zap.Int("score", score),
		)
	}
	return res
}

type checkFunc func(ctx context.Context) (latencyMs int64, detail string, err error)

// run executes one sub-check under its own timeout and recover boundary.
func (p *Prober) run(ctx context.Context, instanceID string, name CheckName, fn checkFunc) (res CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := telemetry.StartProbeSpan(ctx, instanceID, string(name))

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if r := recover(); r != nil {
			res = CheckResult{Status: CheckError, Error: fmt.Sprintf("panic: %v", r)}
			p.logger.Error("sub-check panicked",
				zap.String("instance_id", instanceID),
				zap.String("check", string(name)),
				zap.Any("panic", r),
			)
		}
		res.DurationMs = elapsed.Milliseconds()
		var err error
		if !res.OK() {
			err = errors.New(res.Error)
		}
		telemetry.EndProbeSpan(span, res.LatencyMs, err)
		p.metrics.ObserveProbe(string(name), elapsed, res.OK())
	}()

	latency, detail, err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		p.logger.Debug("sub-check failed",
			zap.String("instance_id", instanceID),
			zap.String("check", string(name)),
			zap.Error(err),
		)
		return CheckResult{Status: CheckError, Detail: detail, Error: err.Error()}
	}
	if latency <= 0 && (name == CheckAPI || name == CheckConnectivity) {
		latency = time.Since(start).Milliseconds()
	}
	return CheckResult{Status: CheckOK, LatencyMs: latency, Detail: detail}
}

func apiStatusOK(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "ok", "up", "healthy", "200":
		return true
	}
	return false
}
