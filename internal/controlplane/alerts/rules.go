package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
)

// Default rule ids.
const (
	RuleInstanceDisconnected   = "instance_disconnected"
	RuleHighResponseTime       = "high_response_time"
	RuleMultipleErrors         = "multiple_errors"
	RulePoorConnectionQuality  = "poor_connection_quality"
	RuleExcessiveReconnections = "excessive_reconnections"
	RuleInstanceOfflineLong    = "instance_offline_long"
)

// DefaultRules returns the built-in rule set.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			ID:          RuleInstanceDisconnected,
			Name:        "Instance disconnected",
			Description: "The instance reports a disconnected state",
			Severity:    SeverityHigh,
			Cooldown:    300 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, _ time.Time) bool {
				return m.Status == fleet.StatusDisconnected
			},
			Message: func(id string, _ fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s is disconnected", id)
			},
		},
		{
			ID:          RuleHighResponseTime,
			Name:        "High response time",
			Description: "API response time above 5000ms",
			Severity:    SeverityMedium,
			Cooldown:    600 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, _ time.Time) bool {
				return m.ResponseTimeMs > 5000
			},
			Message: func(id string, m fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s response time is %dms", id, m.ResponseTimeMs)
			},
		},
		{
			ID:          RuleMultipleErrors,
			Name:        "Multiple errors",
			Description: "More than 5 recorded errors",
			Severity:    SeverityHigh,
			Cooldown:    300 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, _ time.Time) bool {
				return m.ErrorCount > 5
			},
			Message: func(id string, m fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s has %d recorded errors", id, m.ErrorCount)
			},
		},
		{
			ID:          RulePoorConnectionQuality,
			Name:        "Poor connection quality",
			Description: "Connection quality degraded to poor",
			Severity:    SeverityMedium,
			Cooldown:    900 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, _ time.Time) bool {
				return m.ConnectionQuality == fleet.QualityPoor
			},
			Message: func(id string, m fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s connection quality is poor (score %d)", id, m.Score)
			},
		},
		{
			ID:          RuleExcessiveReconnections,
			Name:        "Excessive reconnections",
			Description: "More than 3 reconnection attempts",
			Severity:    SeverityHigh,
			Cooldown:    1800 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, _ time.Time) bool {
				return m.ReconnectionAttempts > 3
			},
			Message: func(id string, m fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s made %d reconnection attempts", id, m.ReconnectionAttempts)
			},
		},
		{
			ID:          RuleInstanceOfflineLong,
			Name:        "Instance offline for a long time",
			Description: "Disconnected for more than one hour",
			Severity:    SeverityCritical,
			Cooldown:    3600 * time.Second,
			Enabled:     true,
			Predicate: func(m fleet.ConnectionMetrics, now time.Time) bool {
				return m.Status == fleet.StatusDisconnected && !m.LastSeen.IsZero() && now.Sub(m.LastSeen) > time.Hour
			},
			Message: func(id string, m fleet.ConnectionMetrics) string {
				return fmt.Sprintf("Instance %s has been offline since %s", id, m.LastSeen.Format(time.RFC3339))
			},
		},
	}
}

// RuleSpec is the declarative form of a rule accepted from config and the API.
type RuleSpec struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
	Severity        Severity  `json:"severity" yaml:"severity"`
	CooldownSeconds int64     `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Enabled         bool      `json:"enabled" yaml:"enabled"`
	Condition       Condition `json:"condition" yaml:"condition"`
}

// NewRule validates a rule. It rejects a missing id, name or predicate, an
// unknown severity, and a non-positive cooldown.
func NewRule(rule AlertRule) (AlertRule, error) {
	rule.ID = normalizeID(rule.ID)
	rule.Name = strings.TrimSpace(rule.Name)
	switch {
	case rule.ID == "":
		return AlertRule{}, &ConfigurationError{Field: "id", Reason: "is required"}
	case rule.Name == "":
		return AlertRule{}, &ConfigurationError{Field: "name", Reason: "is required"}
	case rule.Predicate == nil:
		return AlertRule{}, &ConfigurationError{Field: "predicate", Reason: "is required"}
	case !rule.Severity.Valid():
		return AlertRule{}, &ConfigurationError{Field: "severity", Reason: fmt.Sprintf("%q is not one of low, medium, high, critical", rule.Severity)}
	case rule.Cooldown <= 0:
		return AlertRule{}, &ConfigurationError{Field: "cooldown", Reason: "must be positive"}
	}
	return rule, nil
}

// FromSpec compiles a declarative rule into a validated AlertRule.
func FromSpec(spec RuleSpec) (AlertRule, error) {
	pred, err := CompileCondition(spec.Condition)
	if err != nil {
		return AlertRule{}, err
	}
	cond := spec.Condition
	return NewRule(AlertRule{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Severity:    spec.Severity,
		Cooldown:    time.Duration(spec.CooldownSeconds) * time.Second,
		Enabled:     spec.Enabled,
		Condition:   &cond,
		Predicate:   pred,
	})
}

// ToSpec returns the declarative view of a rule. Rules with code predicates
// carry an empty condition.
func ToSpec(rule AlertRule) RuleSpec {
	spec := RuleSpec{
		ID:              rule.ID,
		Name:            rule.Name,
		Description:     rule.Description,
		Severity:        rule.Severity,
		CooldownSeconds: rule.CooldownSeconds(),
		Enabled:         rule.Enabled,
	}
	if rule.Condition != nil {
		spec.Condition = *rule.Condition
	}
	return spec
}

var numericMetrics = map[string]func(m fleet.ConnectionMetrics, now time.Time) float64{
	"response_time_ms":      func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.ResponseTimeMs) },
	"error_count":           func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.ErrorCount) },
	"uptime_percent":        func(m fleet.ConnectionMetrics, _ time.Time) float64 { return m.UptimePercent },
	"score":                 func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.Score) },
	"reconnection_attempts": func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.ReconnectionAttempts) },
	"qr_code_generations":   func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.QRCodeGenerations) },
	"messages_processed":    func(m fleet.ConnectionMetrics, _ time.Time) float64 { return float64(m.MessagesProcessed) },
	"error_rate_percent": func(m fleet.ConnectionMetrics, _ time.Time) float64 {
		if m.TotalChecks == 0 {
			return 0
		}
		return float64(m.TotalChecks-m.SuccessfulChecks) / float64(m.TotalChecks) * 100
	},
	"offline_seconds": func(m fleet.ConnectionMetrics, now time.Time) float64 {
		if m.Status == fleet.StatusConnected || m.LastSeen.IsZero() {
			return 0
		}
		return now.Sub(m.LastSeen).Seconds()
	},
}

// CompileCondition turns a declarative condition into a predicate.
func CompileCondition(c Condition) (Predicate, error) {
	metric := strings.TrimSpace(c.Metric)
	op := strings.TrimSpace(c.Operator)

	switch metric {
	case "status", "connection_quality":
		if op != "==" && op != "!=" {
			return nil, &ConfigurationError{Field: "condition.operator", Reason: fmt.Sprintf("%q is not valid for %s (use == or !=)", op, metric)}
		}
		want := strings.ToLower(strings.TrimSpace(c.Value))
		if want == "" {
			return nil, &ConfigurationError{Field: "condition.value", Reason: "is required for " + metric}
		}
		return func(m fleet.ConnectionMetrics, _ time.Time) bool {
			got := string(m.Status)
			if metric == "connection_quality" {
				got = string(m.ConnectionQuality)
			}
			return (got == want) == (op == "==")
		}, nil
	}

	get, ok := numericMetrics[metric]
	if !ok {
		return nil, &ConfigurationError{Field: "condition.metric", Reason: fmt.Sprintf("unknown metric %q", metric)}
	}
	if !validOperator(op) {
		return nil, &ConfigurationError{Field: "condition.operator", Reason: fmt.Sprintf("unknown operator %q", op)}
	}
	threshold := c.Threshold
	return func(m fleet.ConnectionMetrics, now time.Time) bool {
		return compare(get(m, now), op, threshold)
	}, nil
}

func validOperator(op string) bool {
	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
		return true
	}
	return false
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
