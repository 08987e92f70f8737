package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Predicate decides whether a rule matches the current metrics.
type Predicate func(m fleet.ConnectionMetrics, now time.Time) bool

// MessageFunc renders the alert message for a firing.
type MessageFunc func(instanceID string, m fleet.ConnectionMetrics) string

// AlertRule defines one alerting rule.
type AlertRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Severity    Severity      `json:"severity"`
	Cooldown    time.Duration `json:"-"`
	Enabled     bool          `json:"enabled"`
	// Condition is set for rules built from a declarative definition.
	Condition *Condition `json:"condition,omitempty"`

	Predicate Predicate   `json:"-"`
	Message   MessageFunc `json:"-"`
}

// CooldownSeconds is the cooldown in whole seconds, for serialisation.
func (r AlertRule) CooldownSeconds() int64 { return int64(r.Cooldown / time.Second) }

func (r AlertRule) message(instanceID string, m fleet.ConnectionMetrics) string {
	if r.Message != nil {
		return r.Message(instanceID, m)
	}
	return fmt.Sprintf("%s on instance %s", r.Name, instanceID)
}

// Condition is a declarative metric comparison, e.g. response_time_ms > 5000.
type Condition struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Operator  string  `json:"operator" yaml:"operator"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// Value is compared for the string metrics status and connection_quality.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Alert is one firing of a rule for an instance. Only the lifecycle fields
// change after creation.
type Alert struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the alert is neither acknowledged nor resolved.
func (a Alert) Active() bool { return !a.Acknowledged && a.ResolvedAt == nil }

// Resolved reports whether the alert reached its terminal state.
func (a Alert) Resolved() bool { return a.ResolvedAt != nil }

// FiringKey scopes cooldown tracking to one rule on one instance.
type FiringKey struct {
	RuleID     string
	InstanceID string
}

// ConfigurationError reports an invalid rule passed to a setter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid alert rule: " + e.Reason
	}
	return fmt.Sprintf("invalid alert rule: %s %s", e.Field, e.Reason)
}

func normalizeID(s string) string {
	return strings.TrimSpace(s)
}
