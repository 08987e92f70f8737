package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"go.uber.org/zap"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 50

// Sink persists alerts. Failures are logged and never affect in-memory state.
type Sink interface {
	InsertAlert(ctx context.Context, a Alert) error
	UpdateAlert(ctx context.Context, a Alert) error
}

// NotifyFunc receives every newly created alert.
type NotifyFunc func(ctx context.Context, a Alert)

// Manager owns alert entities and their acknowledge/resolve lifecycle.
//
// Every call to Create produces a new alert with a unique id. The manager
// does not detect that an equivalent alert is already firing; repeated
// firings are throttled only by the engine's per-instance cooldown.
type Manager struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
	sink   Sink
	notify NotifyFunc
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a lifecycle manager. sink may be nil.
func NewManager(sink Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		alerts: make(map[string]*Alert),
		sink:   sink,
		logger: logger.Named("alert-manager"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers the fan-out for new alerts.
func (m *Manager) SetNotifier(fn NotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create records a firing of rule for an instance, persists it and forwards
// it to the notifier.
func (m *Manager) Create(ctx context.Context, rule AlertRule, instanceID string, metrics fleet.ConnectionMetrics) Alert {
	m.mu.Lock()
	now := m.now()
	id := fmt.Sprintf("%s_%s_%d", instanceID, rule.ID, now.UnixMilli())
	for n := 2; m.alerts[id] != nil; n++ {
		id = fmt.Sprintf("%s_%s_%d_%d", instanceID, rule.ID, now.UnixMilli(), n)
	}
	a := Alert{
		ID:         id,
		InstanceID: instanceID,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Severity:   rule.Severity,
		Message:    rule.message(instanceID, metrics),
		Timestamp:  now,
	}
	stored := a
	m.alerts[id] = &stored
	notify := m.notify
	m.mu.Unlock()

	m.logger.Info("alert created",
		zap.String("alert_id", a.ID),
		zap.String("instance_id", instanceID),
		zap.String("rule_id", rule.ID),
		zap.String("severity", string(rule.Severity)),
	)

	if m.sink != nil {
		if err := m.sink.InsertAlert(ctx, a); err != nil {
			m.logger.Warn("failed to persist alert", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	if notify != nil {
		notify(ctx, a)
	}
	return a
}

// Acknowledge marks an alert acknowledged. It returns false when the alert
// does not exist or is already resolved. Repeated calls succeed without
// further changes.
func (m *Manager) Acknowledge(ctx context.Context, id string) bool {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok || a.Resolved() {
		m.mu.Unlock()
		return false
	}
	if a.Acknowledged {
		m.mu.Unlock()
		return true
	}
	now := m.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	snapshot := *a
	m.mu.Unlock()

	m.persistUpdate(ctx, snapshot)
	return true
}

// Resolve marks an alert resolved. It returns false when the alert does not
// exist. Resolving a resolved alert is a no-op that returns true.
func (m *Manager) Resolve(ctx context.Context, id string) bool {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if a.Resolved() {
		m.mu.Unlock()
		return true
	}
	now := m.now()
	a.ResolvedAt = &now
	snapshot := *a
	m.mu.Unlock()

	m.persistUpdate(ctx, snapshot)
	return true
}

func (m *Manager) persistUpdate(ctx context.Context, a Alert) {
	if m.sink == nil {
		return
	}
	if err := m.sink.UpdateAlert(ctx, a); err != nil {
		m.logger.Warn("failed to persist alert update", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// Get returns one alert by id.
func (m *Manager) Get(id string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// Active returns unacknowledged, unresolved alerts newest first. An empty
// instanceID selects all instances.
func (m *Manager) Active(instanceID string) []Alert {
	return m.collect(instanceID, 0, Alert.Active)
}

// History returns alerts in any state newest first, truncated to limit.
// A non-positive limit selects DefaultHistoryLimit.
func (m *Manager) History(instanceID string, limit int) []Alert {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return m.collect(instanceID, limit, nil)
}

func (m *Manager) collect(instanceID string, limit int, keep func(Alert) bool) []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if instanceID != "" && a.InstanceID != instanceID {
			continue
		}
		if keep != nil && !keep(*a) {
			continue
		}
		out = append(out, *a)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountActive returns the number of active alerts across all instances.
func (m *Manager) CountActive() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if a.Active() {
			n++
		}
	}
	return n
}

// PurgeOlderThan drops alerts created before cutoff and returns how many
// were removed.
func (m *Manager) PurgeOlderThan(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.alerts {
		if a.Timestamp.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed
}

// RemoveInstance drops every alert for an instance.
func (m *Manager) RemoveInstance(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.alerts {
		if a.InstanceID == instanceID {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed
}

// Load restores previously persisted alerts. Existing ids are kept.
func (m *Manager) Load(alerts []Alert) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for _, a := range alerts {
		if a.ID == "" || m.alerts[a.ID] != nil {
			continue
		}
		cp := a
		m.alerts[a.ID] = &cp
		loaded++
	}
	return loaded
}
