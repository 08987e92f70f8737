// Package healthcheck probes instances and computes composite health scores.
package healthcheck

import (
	"context"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
)

// CheckName identifies one sub-check.
type CheckName string

const (
	CheckAPI           CheckName = "api"
	CheckInstanceState CheckName = "instanceState"
	CheckWebhook       CheckName = "webhook"
	CheckConnectivity  CheckName = "connectivity"
)

// Checks lists the sub-checks in execution order.
var Checks = []CheckName{CheckAPI, CheckInstanceState, CheckWebhook, CheckConnectivity}

// CheckStatus is the outcome of one sub-check.
type CheckStatus string

const (
	CheckOK    CheckStatus = "ok"
	CheckError CheckStatus = "error"
)

// APIHealth is returned by the API liveness probe.
type APIHealth struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

// InstanceState is the remote connection state of an instance ("open", "connecting", "close").
type InstanceState struct {
	State string `json:"state"`
}

// WebhookConfig reports whether a webhook is configured for an instance.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// Connectivity is returned by the connectivity latency probe.
type Connectivity struct {
	LatencyMs int64 `json:"latency_ms"`
}

// ProbeClient performs the remote calls behind each sub-check.
// Every method may fail independently.
type ProbeClient interface {
	CheckAPIHealth(ctx context.Context) (APIHealth, error)
	GetInstanceState(ctx context.Context, instanceID string) (InstanceState, error)
	GetWebhookConfig(ctx context.Context, instanceID string) (WebhookConfig, error)
	MeasureConnectivity(ctx context.Context, instanceID string) (Connectivity, error)
}

// CheckResult is the outcome of one sub-check.
type CheckResult struct {
	Status     CheckStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	LatencyMs  int64       `json:"latency_ms,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// OK reports whether the sub-check passed.
func (c CheckResult) OK() bool { return c.Status == CheckOK }

// Result is produced once per probe cycle.
type Result struct {
	InstanceID      string                    `json:"instance_id"`
	Checks          map[CheckName]CheckResult `json:"checks"`
	Score           int                       `json:"score"`
	Quality         fleet.Quality             `json:"quality"`
	IsHealthy       bool                      `json:"is_healthy"`
	Recommendations []string                  `json:"recommendations"`
	Status          fleet.Status              `json:"status"`
	State           string                    `json:"state,omitempty"`
	Timestamp       time.Time                 `json:"timestamp"`
}

// Failed returns the number of failed sub-checks.
func (r Result) Failed() int {
	n := 0
	for _, c := range r.Checks {
		if !c.OK() {
			n++
		}
	}
	return n
}

// Patch builds the metrics update for this result, given the record it was
// computed from. ErrorCount is cumulative and cleared by a fully clean cycle.
func (r Result) Patch(current fleet.ConnectionMetrics) fleet.MetricsPatch {
	failed := r.Failed()
	errorCount := current.ErrorCount + failed
	if failed == 0 {
		errorCount = 0
	}

	total := current.TotalChecks + 1
	successful := current.SuccessfulChecks
	if r.Status == fleet.StatusConnected {
		successful++
	}
	uptime := float64(successful) / float64(total) * 100

	patch := fleet.MetricsPatch{
		Status:           fleet.Ptr(r.Status),
		ErrorCount:       fleet.Ptr(errorCount),
		Score:            fleet.Ptr(r.Score),
		TotalChecks:      fleet.Ptr(total),
		SuccessfulChecks: fleet.Ptr(successful),
		UptimePercent:    fleet.Ptr(uptime),
	}
	if api, ok := r.Checks[CheckAPI]; ok && api.OK() {
		patch.ResponseTimeMs = fleet.Ptr(api.LatencyMs)
	}
	if r.Status == fleet.StatusConnected {
		patch.LastSeen = fleet.Ptr(r.Timestamp)
	}
	return patch
}
