package alerts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"go.uber.org/zap"
)

// Engine holds alert rules and evaluates instance metrics against them.
// A matching rule is suppressed until its cooldown has elapsed since it last
// fired for the same instance.
type Engine struct {
	mu        sync.Mutex
	rules     map[string]AlertRule
	order     []string
	lastFired map[FiringKey]time.Time
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine seeded with rules. Invalid rules are skipped
// and logged.
func NewEngine(rules []AlertRule, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		rules:     make(map[string]AlertRule),
		lastFired: make(map[FiringKey]time.Time),
		logger:    logger.Named("alerts"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, r := range rules {
		if err := e.SetRule(r); err != nil {
			e.logger.Warn("skipping invalid alert rule", zap.String("rule_id", r.ID), zap.Error(err))
		}
	}
	return e
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetRule inserts or replaces a rule by id. Cooldown state for an existing
// rule is kept.
func (e *Engine) SetRule(rule AlertRule) error {
	rule, err := NewRule(rule)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; !exists {
		e.order = append(e.order, rule.ID)
	}
	e.rules[rule.ID] = rule
	return nil
}

// Rule returns one rule by id.
func (e *Engine) Rule(id string) (AlertRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns a copy of all rules in insertion order.
func (e *Engine) Rules() []AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AlertRule, 0, len(e.order))
	for _, id := range e.order {
		r := e.rules[id]
		if r.Condition != nil {
			c := *r.Condition
			r.Condition = &c
		}
		out = append(out, r)
	}
	return out
}

// RemoveRule deletes a rule and its cooldown state.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	for key := range e.lastFired {
		if key.RuleID == id {
			delete(e.lastFired, key)
		}
	}
	return true
}

// ResetCooldown forgets when rules last fired for an instance.
func (e *Engine) ResetCooldown(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.lastFired {
		if key.InstanceID == instanceID {
			delete(e.lastFired, key)
		}
	}
}

// LastFired reports when a rule last fired for an instance.
func (e *Engine) LastFired(ruleID, instanceID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastFired[FiringKey{RuleID: ruleID, InstanceID: instanceID}]
	return t, ok
}

// Evaluate returns the enabled rules whose predicate matches m and whose
// cooldown has elapsed, recording the firing time for each returned rule.
// A panicking predicate is skipped and reported in the returned error; the
// remaining rules are still evaluated.
func (e *Engine) Evaluate(instanceID string, m fleet.ConnectionMetrics) ([]AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var (
		fired []AlertRule
		errs  []error
	)
	for _, id := range e.order {
		rule := e.rules[id]
		if !rule.Enabled {
			continue
		}
		match, err := safeMatch(rule, m, now)
		if err != nil {
			e.logger.Warn("alert predicate failed", zap.String("rule_id", rule.ID), zap.String("instance_id", instanceID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !match {
			continue
		}
		key := FiringKey{RuleID: rule.ID, InstanceID: instanceID}
		if last, ok := e.lastFired[key]; ok && now.Sub(last) < rule.Cooldown {
			continue
		}
		e.lastFired[key] = now
		fired = append(fired, rule)
	}
	return fired, errors.Join(errs...)
}

func safeMatch(rule AlertRule, m fleet.ConnectionMetrics, now time.Time) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s predicate panicked: %v", rule.ID, r)
		}
	}()
	return rule.Predicate(m, now), nil
}
