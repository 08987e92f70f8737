package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"go.uber.org/zap"
)

// Diagnostics is the composite report for one instance.
type Diagnostics struct {
	InstanceID      string                   `json:"instance_id"`
	Monitored       bool                     `json:"monitored"`
	Metrics         *fleet.ConnectionMetrics `json:"metrics,omitempty"`
	Health          healthcheck.Result       `json:"health"`
	ActiveAlerts    []alerts.Alert           `json:"active_alerts"`
	Recommendations []string                 `json:"recommendations"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

// Recommendations added on top of the probe's own.
const (
	RecommendStartMonitoring = "Start monitoring this instance to track its health over time"
	RecommendReviewAlerts    = "Review and acknowledge the active alerts"
)

// RunCompleteDiagnostics probes the instance and combines the result with
// its current metrics and active alerts.
func (s *Service) RunCompleteDiagnostics(ctx context.Context, instanceID string) (Diagnostics, error) {
	health, err := s.CheckInstanceHealth(ctx, instanceID)
	if err != nil {
		return Diagnostics{}, err
	}
	d := Diagnostics{
		InstanceID:   instanceID,
		Monitored:    s.scheduler.Running(instanceID),
		Health:       health,
		ActiveAlerts: s.alerts.Active(instanceID),
		GeneratedAt:  s.now(),
	}
	if m, ok := s.fleet.Get(instanceID); ok {
		d.Metrics = &m
	}

	d.Recommendations = append([]string{}, health.Recommendations...)
	if !d.Monitored {
		d.Recommendations = append(d.Recommendations, RecommendStartMonitoring)
	}
	if len(d.ActiveAlerts) > 0 {
		d.Recommendations = append(d.Recommendations, fmt.Sprintf("%s (%d)", RecommendReviewAlerts, len(d.ActiveAlerts)))
	}
	return d, nil
}

// GlobalStats summarises every known instance.
type GlobalStats struct {
	TotalInstances        int     `json:"total_instances"`
	Monitored             int     `json:"monitored"`
	Connected             int     `json:"connected"`
	Disconnected          int     `json:"disconnected"`
	InstancesWithErrors   int     `json:"instances_with_errors"`
	ActiveAlerts          int     `json:"active_alerts"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	// OverallHealth is round(connected/total*100), 0 with no instances.
	OverallHealth int `json:"overall_health"`
}

// GetGlobalStats reads the metrics store and alert manager.
func (s *Service) GetGlobalStats() GlobalStats {
	all := s.fleet.All()
	stats := GlobalStats{
		TotalInstances: len(all),
		Monitored:      len(s.scheduler.Instances()),
		ActiveAlerts:   s.alerts.CountActive(),
	}
	var totalResponse int64
	for _, m := range all {
		switch m.Status {
		case fleet.StatusConnected:
			stats.Connected++
		case fleet.StatusDisconnected:
			stats.Disconnected++
		}
		if m.ErrorCount > 0 {
			stats.InstancesWithErrors++
		}
		totalResponse += m.ResponseTimeMs
	}
	if len(all) > 0 {
		stats.AverageResponseTimeMs = float64(totalResponse) / float64(len(all))
		stats.OverallHealth = int(math.Round(float64(stats.Connected) / float64(len(all)) * 100))
	}
	return stats
}

// CleanupReport counts what a cleanup removed.
type CleanupReport struct {
	Cutoff        time.Time `json:"cutoff"`
	AlertsPurged  int       `json:"alerts_purged"`
	RecordsPurged int64     `json:"records_purged"`
}

// CleanupOldData drops alerts older than daysToKeep from memory and deletes
// persisted metrics and alerts older than the same cutoff.
func (s *Service) CleanupOldData(ctx context.Context, daysToKeep int) (CleanupReport, error) {
	if daysToKeep <= 0 {
		return CleanupReport{}, invalid("days_to_keep", "must be positive")
	}
	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	report := CleanupReport{Cutoff: cutoff, AlertsPurged: s.alerts.PurgeOlderThan(cutoff)}
	if s.sink != nil {
		n, err := s.sink.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.metrics.PersistenceFailed("delete")
			return report, &TickError{Kind: PersistenceFailure, Err: fmt.Errorf("delete before %s: %w", cutoff.Format(time.RFC3339), err)}
		}
		report.RecordsPurged = n
	}
	s.logger.Info("old data cleaned up",
		zap.Time("cutoff", cutoff),
		zap.Int("alerts_purged", report.AlertsPurged),
		zap.Int64("records_purged", report.RecordsPurged),
	)
	return report, nil
}

// ApplyRetention ages out data using the configured metrics and alert
// retention windows. Sinks without separate deletes fall back to the
// shorter window.
func (s *Service) ApplyRetention(ctx context.Context) (CleanupReport, error) {
	r := s.cfg.Retention
	if r.MetricsDays <= 0 && r.AlertsDays <= 0 {
		return CleanupReport{}, nil
	}
	rs, ok := s.sink.(retentionSink)
	if !ok || r.MetricsDays <= 0 || r.AlertsDays <= 0 {
		days := r.MetricsDays
		if days <= 0 || (r.AlertsDays > 0 && r.AlertsDays < days) {
			days = r.AlertsDays
		}
		return s.CleanupOldData(ctx, days)
	}

	now := s.now()
	alertCutoff := now.AddDate(0, 0, -r.AlertsDays)
	report := CleanupReport{Cutoff: alertCutoff, AlertsPurged: s.alerts.PurgeOlderThan(alertCutoff)}
	nm, err := rs.DeleteMetricsOlderThan(ctx, now.AddDate(0, 0, -r.MetricsDays))
	if err != nil {
		s.metrics.PersistenceFailed("delete")
		return report, &TickError{Kind: PersistenceFailure, Err: fmt.Errorf("delete metrics: %w", err)}
	}
	na, err := rs.DeleteAlertsOlderThan(ctx, alertCutoff)
	if err != nil {
		s.metrics.PersistenceFailed("delete")
		return report, &TickError{Kind: PersistenceFailure, Err: fmt.Errorf("delete alerts: %w", err)}
	}
	report.RecordsPurged = nm + na
	s.logger.Info("retention applied",
		zap.Int("metrics_days", r.MetricsDays),
		zap.Int("alerts_days", r.AlertsDays),
		zap.Int64("records_purged", report.RecordsPurged),
	)
	return report, nil
}
