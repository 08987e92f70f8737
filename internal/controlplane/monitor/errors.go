package monitor

import (
	"errors"
	"fmt"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/config"
	"github.com/marcus-qen/connwatch/internal/controlplane/scheduler"
)

// ErrorKind classifies monitoring failures.
type ErrorKind string

const (
	// ProbeFailure is one failed sub-check. It is recorded in the result.
	ProbeFailure ErrorKind = "probe_failure"
	// AggregationFailure is an unexpected error while scoring or evaluating.
	AggregationFailure ErrorKind = "aggregation_failure"
	// PersistenceFailure is a failed sink write. In-memory state is unaffected.
	PersistenceFailure ErrorKind = "persistence_failure"
	// DispatchFailure is one failed notification sink.
	DispatchFailure ErrorKind = "dispatch_failure"
	// ConfigurationFailure is an invalid argument to a public setter.
	ConfigurationFailure ErrorKind = "configuration_error"
)

// ErrUnknownInstance is returned for instances that were never monitored.
var ErrUnknownInstance = errors.New("unknown instance")

// TickError is returned by RunTick and logged for non-fatal failures.
type TickError struct {
	Kind       ErrorKind
	InstanceID string
	Err        error
}

func (e *TickError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s for instance %s: %v", e.Kind, e.InstanceID, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// KindOf classifies err. It returns "" for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tickErr *TickError
	if errors.As(err, &tickErr) {
		return tickErr.Kind
	}
	var alertCfg *alerts.ConfigurationError
	var cfgErr *config.ConfigurationError
	if errors.As(err, &alertCfg) || errors.As(err, &cfgErr) || errors.Is(err, scheduler.ErrInvalidInterval) {
		return ConfigurationFailure
	}
	return ""
}

func invalid(field, reason string) error {
	return &config.ConfigurationError{Field: field, Reason: reason}
}
