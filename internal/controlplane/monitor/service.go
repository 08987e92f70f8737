// Package monitor is the public surface of the connection health engine.
//
// A Service owns the metrics store, prober, rule engine, alert lifecycle
// manager, notification dispatcher and per-instance scheduler. It is
// constructed once per process and closed explicitly.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/config"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/controlplane/scheduler"
	"github.com/marcus-qen/connwatch/internal/notify"
	"go.uber.org/zap"
)

// Options configures a Service. Client is required.
type Options struct {
	Client healthcheck.ProbeClient
	// Monitoring defaults to config.DefaultMonitoring when zero.
	Monitoring config.MonitoringConfig
	// Rules replaces the default rule set when non-nil.
	Rules []alerts.AlertRule
	// ExtraRules are declarative rules added after the base set.
	ExtraRules []alerts.RuleSpec

	Sink       Sink
	Bus        *events.Bus
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// Clock overrides the time source for alert and cooldown bookkeeping.
	Clock func() time.Time
}

// Service is the monitoring engine.
type Service struct {
	cfg        config.MonitoringConfig
	fleet      *fleet.Manager
	prober     *healthcheck.Prober
	engine     *alerts.Engine
	alerts     *alerts.Manager
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	bus        *events.Bus
	sink       Sink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// New wires a Service from opts.
func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, invalid("client", "is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Monitoring
	if cfg == (config.MonitoringConfig{}) {
		cfg = config.DefaultMonitoring()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	rules := opts.Rules
	if rules == nil {
		rules = alerts.DefaultRules()
	}
	specs := append(cfg.ThresholdRules(), opts.ExtraRules...)
	for _, spec := range specs {
		rule, err := alerts.FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.ID, err)
		}
		rules = append(rules, rule)
	}

	s := &Service{
		cfg:        cfg,
		fleet:      fleet.NewManager(cfg.HistoryCapacity, logger),
		prober:     healthcheck.NewProber(opts.Client, cfg.ProbeTimeout(), logger),
		engine:     alerts.NewEngine(rules, logger),
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     logger.Named("monitor"),
		now:        now,
	}
	s.fleet.SetClock(now)
	s.engine.SetClock(now)
	s.prober.SetClock(now)
	s.prober.SetRecorder(opts.Metrics)

	var sink alerts.Sink
	if opts.Sink != nil {
		sink = alertSink{sink: opts.Sink, metrics: opts.Metrics}
	}
	s.alerts = alerts.NewManager(sink, logger)
	s.alerts.SetClock(now)

	if s.dispatcher == nil {
		s.dispatcher = notify.NewDispatcher(logger)
	}
	s.dispatcher.SetRecorder(opts.Metrics)
	if opts.Bus != nil && cfg.Notifications.Broadcast {
		s.dispatcher.SetPublisher(opts.Bus)
	}
	s.alerts.SetNotifier(s.notify)

	s.scheduler = scheduler.New(s, logger)
	s.scheduler.SetRecorder(opts.Metrics)
	return s, nil
}

func (s *Service) notify(ctx context.Context, a alerts.Alert) {
	s.metrics.AlertFired(a.RuleID, string(a.Severity))
	report := s.dispatcher.Dispatch(ctx, a)
	for sink, reason := range report.Failed {
		s.logger.Debug("dispatch failure recorded",
			zap.Error(&TickError{Kind: DispatchFailure, InstanceID: a.InstanceID, Err: fmt.Errorf("%s: %s", sink, reason)}),
		)
	}
}

// Dispatcher returns the notification dispatcher for subscriber registration.
func (s *Service) Dispatcher() *notify.Dispatcher { return s.dispatcher }

// Restore reloads persisted alerts newer than the alert retention window.
// It is a no-op when the sink cannot load alerts.
func (s *Service) Restore(ctx context.Context) (int, error) {
	loader, ok := s.sink.(alertLoader)
	if !ok {
		return 0, nil
	}
	since := s.now().AddDate(0, 0, -s.cfg.Retention.AlertsDays)
	records, err := loader.LoadAlerts(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("restore alerts: %w", err)
	}
	restored := make([]alerts.Alert, 0, len(records))
	for _, r := range records {
		restored = append(restored, alertFromRecord(r))
	}
	n := s.alerts.Load(restored)
	s.logger.Info("alerts restored", zap.Int("count", n))
	return n, nil
}

// StartMonitoring begins polling an instance. A zero interval selects the
// configured check interval. Calling it again replaces the existing loop.
func (s *Service) StartMonitoring(instanceID string, interval time.Duration) error {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return invalid("instance_id", "is required")
	}
	if interval == 0 {
		interval = s.cfg.CheckInterval()
	}
	if interval < scheduler.MinInterval {
		return invalid("interval", fmt.Sprintf("%s is below the %s minimum", interval, scheduler.MinInterval))
	}

	s.fleet.Ensure(instanceID)
	if err := s.scheduler.Start(instanceID, interval); err != nil {
		return fmt.Errorf("start monitoring %s: %w", instanceID, err)
	}
	s.publish(events.MonitoringStarted, instanceID, fmt.Sprintf("Monitoring %s every %s", instanceID, interval), nil)
	return nil
}

// StopMonitoring halts polling. Metrics and alerts are kept.
func (s *Service) StopMonitoring(instanceID string) bool {
	if !s.scheduler.Stop(instanceID) {
		return false
	}
	s.publish(events.MonitoringStopped, instanceID, "Monitoring stopped for "+instanceID, nil)
	return true
}

// StopAllMonitoring halts every loop and returns how many were running.
func (s *Service) StopAllMonitoring() int {
	n := s.scheduler.StopAll()
	if n > 0 {
		s.logger.Info("all monitoring stopped", zap.Int("instances", n))
	}
	return n
}

// Monitored lists the instances with a live polling loop.
func (s *Service) Monitored() []scheduler.Info {
	return s.scheduler.Instances()
}

// IsMonitored reports whether an instance has a live polling loop.
func (s *Service) IsMonitored(instanceID string) bool {
	return s.scheduler.Running(instanceID)
}

// CheckInstanceHealth runs one probe cycle outside the schedule and returns
// the result. Metrics, history and alert state are left untouched.
func (s *Service) CheckInstanceHealth(ctx context.Context, instanceID string) (healthcheck.Result, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return healthcheck.Result{}, invalid("instance_id", "is required")
	}
	current, _ := s.fleet.Get(instanceID)
	return s.prober.Check(ctx, instanceID, current), nil
}

// GetMetrics returns the current metrics for an instance.
func (s *Service) GetMetrics(instanceID string) (fleet.ConnectionMetrics, bool) {
	return s.fleet.Get(instanceID)
}

// GetAllMetrics returns every instance's metrics sorted by id.
func (s *Service) GetAllMetrics() []fleet.ConnectionMetrics {
	return s.fleet.All()
}

// MetricsHistory returns the bounded snapshot history, oldest first.
func (s *Service) MetricsHistory(instanceID string) []fleet.ConnectionMetrics {
	return s.fleet.History(instanceID)
}

// GetActiveAlerts returns unacknowledged, unresolved alerts, newest first.
// An empty instanceID selects every instance.
func (s *Service) GetActiveAlerts(instanceID string) []alerts.Alert {
	return s.alerts.Active(instanceID)
}

// GetAlertHistory returns alerts in any state, newest first.
func (s *Service) GetAlertHistory(instanceID string, limit int) []alerts.Alert {
	return s.alerts.History(instanceID, limit)
}

// GetAlert returns one alert by id.
func (s *Service) GetAlert(id string) (alerts.Alert, bool) {
	return s.alerts.Get(id)
}

// AcknowledgeAlert marks an alert acknowledged. It returns false when the
// alert is unknown or resolved.
func (s *Service) AcknowledgeAlert(ctx context.Context, id string) bool {
	if !s.alerts.Acknowledge(ctx, id) {
		return false
	}
	if a, ok := s.alerts.Get(id); ok {
		s.publish(events.AlertAcknowledged, a.InstanceID, "Alert acknowledged: "+a.Message, a)
	}
	return true
}

// ResolveAlert resolves an alert. It returns false when the alert is unknown.
func (s *Service) ResolveAlert(ctx context.Context, id string) bool {
	if !s.alerts.Resolve(ctx, id) {
		return false
	}
	if a, ok := s.alerts.Get(id); ok {
		s.publish(events.AlertResolved, a.InstanceID, "Alert resolved: "+a.Message, a)
	}
	return true
}

// SetAlertRule inserts or replaces a rule by id.
func (s *Service) SetAlertRule(rule alerts.AlertRule) error {
	return s.engine.SetRule(rule)
}

// SetAlertRuleSpec compiles and installs a declarative rule.
func (s *Service) SetAlertRuleSpec(spec alerts.RuleSpec) (alerts.AlertRule, error) {
	rule, err := alerts.FromSpec(spec)
	if err != nil {
		return alerts.AlertRule{}, err
	}
	if err := s.engine.SetRule(rule); err != nil {
		return alerts.AlertRule{}, err
	}
	return rule, nil
}

// GetAlertRules returns a copy of the rule set.
func (s *Service) GetAlertRules() []alerts.AlertRule {
	return s.engine.Rules()
}

// HandleStatusChange applies an externally pushed status. Entering
// connecting counts a reconnection attempt; connected clears the count and
// refreshes last seen.
func (s *Service) HandleStatusChange(ctx context.Context, instanceID string, status fleet.Status) (fleet.ConnectionMetrics, error) {
	if !status.Valid() {
		return fleet.ConnectionMetrics{}, invalid("status", fmt.Sprintf("%q is not one of connected, disconnected, connecting, error", status))
	}
	now := s.now()
	updated, ok := s.fleet.Mutate(instanceID, func(m *fleet.ConnectionMetrics) {
		switch {
		case status == fleet.StatusConnecting && m.Status != fleet.StatusConnecting:
			m.ReconnectionAttempts++
		case status == fleet.StatusConnected:
			m.ReconnectionAttempts = 0
			m.LastSeen = now
		}
		m.Status = status
	})
	if !ok {
		return fleet.ConnectionMetrics{}, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	s.persistMetrics(ctx, updated)
	s.publish(events.InstanceStatus, instanceID, fmt.Sprintf("Instance %s is %s", instanceID, status), updated)
	return updated, nil
}

// RecordQRCode counts one QR code generation for an instance.
func (s *Service) RecordQRCode(instanceID string) bool {
	_, ok := s.fleet.Mutate(instanceID, func(m *fleet.ConnectionMetrics) { m.QRCodeGenerations++ })
	return ok
}

// RecordMessages adds n processed messages to an instance's counter.
func (s *Service) RecordMessages(instanceID string, n int64) bool {
	if n <= 0 {
		return false
	}
	_, ok := s.fleet.Mutate(instanceID, func(m *fleet.ConnectionMetrics) { m.MessagesProcessed += n })
	return ok
}

// RemoveInstance stops monitoring and drops the instance's metrics, alerts
// and cooldown state.
func (s *Service) RemoveInstance(instanceID string) bool {
	s.StopMonitoring(instanceID)
	removed := s.fleet.Remove(instanceID)
	dropped := s.alerts.RemoveInstance(instanceID)
	s.engine.ResetCooldown(instanceID)
	s.metrics.ForgetInstance(instanceID)
	if removed {
		s.logger.Info("instance removed", zap.String("instance_id", instanceID), zap.Int("alerts_dropped", dropped))
	}
	return removed
}

// Close stops every loop and waits for in-flight ticks.
func (s *Service) Close(ctx context.Context) error {
	if err := s.scheduler.Close(ctx); err != nil {
		return fmt.Errorf("close scheduler: %w", err)
	}
	return nil
}

func (s *Service) publish(t events.EventType, instanceID, summary string, detail any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       t,
		InstanceID: instanceID,
		Summary:    summary,
		Detail:     detail,
		Timestamp:  s.now(),
	})
}

func (s *Service) persistMetrics(ctx context.Context, m fleet.ConnectionMetrics) {
	if s.sink == nil {
		return
	}
	if err := s.sink.UpsertMetrics(ctx, metricsRecord(m)); err != nil {
		s.metrics.PersistenceFailed("upsert_metrics")
		s.logger.Warn("failed to persist metrics",
			zap.String("instance_id", m.InstanceID),
			zap.Error(&TickError{Kind: PersistenceFailure, InstanceID: m.InstanceID, Err: err}),
		)
	}
}
