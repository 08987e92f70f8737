package monitor

import (
	"context"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/controlplane/persistence"
)

// Sink is the persistence boundary. *persistence.Store implements it.
type Sink interface {
	UpsertMetrics(ctx context.Context, r persistence.MetricsRecord) error
	InsertAlert(ctx context.Context, r persistence.AlertRecord) error
	UpdateAlert(ctx context.Context, r persistence.AlertRecord) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// retentionSink is implemented by sinks that can age out metrics and alerts
// separately.
type retentionSink interface {
	DeleteMetricsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// alertLoader is implemented by sinks that can reload alerts on startup.
type alertLoader interface {
	LoadAlerts(ctx context.Context, since time.Time) ([]persistence.AlertRecord, error)
}

func metricsRecord(m fleet.ConnectionMetrics) persistence.MetricsRecord {
	return persistence.MetricsRecord{
		InstanceName:         m.InstanceID,
		Status:               string(m.Status),
		LastSeen:             m.LastSeen,
		ResponseTime:         m.ResponseTimeMs,
		Uptime:               m.UptimePercent,
		ErrorCount:           m.ErrorCount,
		MessagesProcessed:    m.MessagesProcessed,
		ConnectionQuality:    string(m.ConnectionQuality),
		QRCodeGenerations:    m.QRCodeGenerations,
		ReconnectionAttempts: m.ReconnectionAttempts,
		UpdatedAt:            m.UpdatedAt,
	}
}

func alertRecord(a alerts.Alert) persistence.AlertRecord {
	return persistence.AlertRecord{
		ID:           a.ID,
		InstanceName: a.InstanceID,
		RuleID:       a.RuleID,
		RuleName:     a.RuleName,
		Severity:     string(a.Severity),
		Message:      a.Message,
		Timestamp:    a.Timestamp,
		Acknowledged: a.Acknowledged,
		ResolvedAt:   a.ResolvedAt,
	}
}

func alertFromRecord(r persistence.AlertRecord) alerts.Alert {
	return alerts.Alert{
		ID:           r.ID,
		InstanceID:   r.InstanceName,
		RuleID:       r.RuleID,
		RuleName:     r.RuleName,
		Severity:     alerts.Severity(r.Severity),
		Message:      r.Message,
		Timestamp:    r.Timestamp,
		Acknowledged: r.Acknowledged,
		ResolvedAt:   r.ResolvedAt,
	}
}

// alertSink adapts Sink to the alert manager and counts failed writes.
type alertSink struct {
	sink    Sink
	metrics *metrics.Metrics
}

func (s alertSink) InsertAlert(ctx context.Context, a alerts.Alert) error {
	err := s.sink.InsertAlert(ctx, alertRecord(a))
	if err != nil {
		s.metrics.PersistenceFailed("insert_alert")
	}
	return err
}

func (s alertSink) UpdateAlert(ctx context.Context, a alerts.Alert) error {
	err := s.sink.UpdateAlert(ctx, alertRecord(a))
	if err != nil {
		s.metrics.PersistenceFailed("update_alert")
	}
	return err
}
