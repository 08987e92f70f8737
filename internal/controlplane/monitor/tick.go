package monitor

import (
	"context"

	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"github.com/marcus-qen/connwatch/internal/controlplane/scheduler"
	"github.com/marcus-qen/connwatch/internal/telemetry"
	"go.uber.org/zap"
)

// RunTick performs one scheduled cycle for an instance: probe, commit
// metrics and history, persist the snapshot, evaluate rules and create an
// alert for every match. It stops before committing anything once active
// reports false.
func (s *Service) RunTick(ctx context.Context, instanceID string, active func() bool) (err error) {
	ctx, span := telemetry.StartTickSpan(ctx, instanceID, "schedule")
	var score, fired int
	defer func() { telemetry.EndTickSpan(span, score, fired, err) }()

	current, ok := s.fleet.Get(instanceID)
	if !ok {
		return scheduler.ErrInactive
	}

	result := s.prober.Check(ctx, instanceID, current)
	score = result.Score

	updated, ok := s.commit(instanceID, result, active)
	if !ok {
		return scheduler.ErrInactive
	}
	s.fleet.AppendHistory(instanceID, updated)
	s.publish(events.HealthUpdate, instanceID, healthSummary(result), result)
	s.persistMetrics(ctx, updated)

	if !active() {
		return scheduler.ErrInactive
	}
	matches, evalErr := s.engine.Evaluate(instanceID, updated)
	for _, rule := range matches {
		s.alerts.Create(ctx, rule, instanceID, updated)
		fired++
	}
	if evalErr != nil {
		return &TickError{Kind: AggregationFailure, InstanceID: instanceID, Err: evalErr}
	}

	s.logger.Debug("tick complete",
		zap.String("instance_id", instanceID),
		zap.Int("score", result.Score),
		zap.String("status", string(updated.Status)),
		zap.Int("alerts_fired", fired),
	)
	return nil
}

// commit folds a probe result into the instance's record against its latest
// state. active is checked under the store lock, so a stop that lands first
// discards the result. It returns false when nothing was written.
func (s *Service) commit(instanceID string, result healthcheck.Result, active func() bool) (fleet.ConnectionMetrics, bool) {
	updated, ok := s.fleet.MutateIf(instanceID, func(m *fleet.ConnectionMetrics) bool {
		if !active() {
			return false
		}
		result.Patch(*m).Apply(m)
		return true
	})
	if ok {
		s.metrics.SetScore(instanceID, updated.Score)
	}
	return updated, ok
}

func healthSummary(r healthcheck.Result) string {
	if r.IsHealthy {
		return "Instance " + r.InstanceID + " is healthy (" + string(r.Quality) + ")"
	}
	return "Instance " + r.InstanceID + " is unhealthy (" + string(r.Quality) + ")"
}
