// Package fleet holds the per-instance connection metrics of monitored instances.
package fleet

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistoryCapacity is the number of snapshots kept per instance.
const DefaultHistoryCapacity = 100

type entry struct {
	metrics ConnectionMetrics
	history *ring
}

// Manager tracks metrics for every monitored instance.
// Records are copied in and out, so callers never observe a half-written record.
type Manager struct {
	instances map[string]*entry
	capacity  int
	mu        sync.RWMutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a metrics store. capacity <= 0 uses DefaultHistoryCapacity.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		instances: make(map[string]*entry),
		capacity:  capacity,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Ensure creates an empty record for id if none exists. LastSeen starts at
// creation time, so an instance that never connects still ages.
// It reports whether a record was created.
func (m *Manager) Ensure(id string) (ConnectionMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.instances[id]; ok {
		return e.metrics, false
	}
	now := m.now()
	e := &entry{
		metrics: ConnectionMetrics{
			InstanceID:        id,
			Status:            StatusConnecting,
			ConnectionQuality: QualityForScore(0),
			LastSeen:          now,
			UpdatedAt:         now,
		},
		history: newRing(m.capacity),
	}
	m.instances[id] = e
	m.logger.Info("instance metrics initialised", zap.String("instance_id", id))
	return e.metrics, true
}

// Get returns the metrics for id.
func (m *Manager) Get(id string) (ConnectionMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.instances[id]
	if !ok {
		return ConnectionMetrics{}, false
	}
	return e.metrics, true
}

// Upsert merges patch into the record for id, creating it when missing.
// Connection quality is always re-derived from the score.
func (m *Manager) Upsert(id string, patch MetricsPatch) ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.instances[id]
	if !ok {
		e = &entry{
			metrics: ConnectionMetrics{InstanceID: id, Status: StatusConnecting, LastSeen: m.now()},
			history: newRing(m.capacity),
		}
		m.instances[id] = e
	}
	next := e.metrics
	patch.Apply(&next)
	m.finish(&next)
	e.metrics = next
	return next
}

// Mutate applies fn to a copy of the record for id and stores the result.
// It returns false when the instance is unknown.
func (m *Manager) Mutate(id string, fn func(*ConnectionMetrics)) (ConnectionMetrics, bool) {
	return m.MutateIf(id, func(cm *ConnectionMetrics) bool {
		fn(cm)
		return true
	})
}

// MutateIf is Mutate with a veto: when fn returns false the record is left
// as it was and MutateIf returns false. fn runs under the store lock.
func (m *Manager) MutateIf(id string, fn func(*ConnectionMetrics) bool) (ConnectionMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.instances[id]
	if !ok {
		return ConnectionMetrics{}, false
	}
	next := e.metrics
	if !fn(&next) {
		return e.metrics, false
	}
	next.InstanceID = id
	m.finish(&next)
	e.metrics = next
	return next, true
}

func (m *Manager) finish(cm *ConnectionMetrics) {
	cm.Score = ClampScore(cm.Score)
	cm.ConnectionQuality = QualityForScore(cm.Score)
	cm.UpdatedAt = m.now()
}

// AppendHistory records a snapshot, evicting the oldest beyond capacity.
func (m *Manager) AppendHistory(id string, snapshot ConnectionMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.instances[id]
	if !ok {
		return
	}
	e.history.push(snapshot)
}

// History returns snapshots for id, oldest first.
func (m *Manager) History(id string) []ConnectionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.instances[id]
	if !ok {
		return nil
	}
	return e.history.items()
}

// All returns every record sorted by instance id.
func (m *Manager) All() []ConnectionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectionMetrics, 0, len(m.instances))
	for _, e := range m.instances {
		out = append(out, e.metrics)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Remove deletes an instance and its history.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return false
	}
	delete(m.instances, id)
	m.logger.Info("instance metrics removed", zap.String("instance_id", id))
	return true
}

// Count returns the number of instances in each status.
func (m *Manager) Count() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[Status]int{}
	for _, e := range m.instances {
		counts[e.metrics.Status]++
	}
	return counts
}

// Len returns the number of tracked instances.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
