// Package metrics exposes Prometheus metrics for the monitoring engine.
//
// All collectors live on a dedicated registry so tests and embedders can
// create independent instances. Every method is safe on a nil receiver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick results.
const (
	TickOK      = "ok"
	TickFailed  = "failed"
	TickSkipped = "skipped"
	TickPanic   = "panic"
)

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal          *prometheus.CounterVec
	ProbeDuration       *prometheus.HistogramVec
	ProbeFailures       *prometheus.CounterVec
	AlertsFired         *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	InstanceScore       *prometheus.GaugeVec
	MonitoredInstances  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_ticks_total",
				Help: "Monitoring ticks by instance and result.",
			},
			[]string{"instance", "result"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connwatch_probe_duration_seconds",
				Help:    "Duration of health sub-checks.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"check"},
		),
		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_probe_failures_total",
				Help: "Failed health sub-checks by check name.",
			},
			[]string{"check"},
		),
		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_alerts_fired_total",
				Help: "Alerts fired by rule and severity.",
			},
			[]string{"rule", "severity"},
		),
		DispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_dispatch_failures_total",
				Help: "Notification sink failures by sink.",
			},
			[]string{"sink"},
		),
		PersistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_persistence_failures_total",
				Help: "Failed writes to the persistence sink by operation.",
			},
			[]string{"op"},
		),
		InstanceScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connwatch_instance_health_score",
				Help: "Latest composite health score per instance.",
			},
			[]string{"instance"},
		),
		MonitoredInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "connwatch_monitored_instances",
				Help: "Number of instances with a live polling loop.",
			},
		),
	}

	m.registry.MustRegister(
		m.TicksTotal,
		m.ProbeDuration,
		m.ProbeFailures,
		m.AlertsFired,
		m.DispatchFailures,
		m.PersistenceFailures,
		m.InstanceScore,
		m.MonitoredInstances,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbe records one sub-check outcome.
func (m *Metrics) ObserveProbe(check string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(check).Observe(d.Seconds())
	if !ok {
		m.ProbeFailures.WithLabelValues(check).Inc()
	}
}

// ObserveTick counts a tick result for an instance.
func (m *Metrics) ObserveTick(instance, result string) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(instance, result).Inc()
}

// AlertFired counts a fired alert.
func (m *Metrics) AlertFired(rule, severity string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(rule, severity).Inc()
}

// DispatchFailed counts a failed notification sink.
func (m *Metrics) DispatchFailed(sink string) {
	if m == nil {
		return
	}
	m.DispatchFailures.WithLabelValues(sink).Inc()
}

// PersistenceFailed counts a failed persistence write.
func (m *Metrics) PersistenceFailed(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

// SetScore records the latest score for an instance.
func (m *Metrics) SetScore(instance string, score int) {
	if m == nil {
		return
	}
	m.InstanceScore.WithLabelValues(instance).Set(float64(score))
}

// ForgetInstance drops per-instance series.
func (m *Metrics) ForgetInstance(instance string) {
	if m == nil {
		return
	}
	m.InstanceScore.DeleteLabelValues(instance)
	m.TicksTotal.DeletePartialMatch(prometheus.Labels{"instance": instance})
}

// SetMonitored records the number of live polling loops.
func (m *Metrics) SetMonitored(n int) {
	if m == nil {
		return
	}
	m.MonitoredInstances.Set(float64(n))
}
