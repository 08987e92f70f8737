package retention

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 5 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxBackoff     = time.Minute
)

// RetryPolicy controls how a failed cleanup is retried within one run.
// Zero fields keep the defaults.
type RetryPolicy struct {
	MaxAttempts    int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	InitialBackoff string  `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`
	Multiplier     float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxBackoff     string  `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
}

type resolvedRetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func defaultRetryPolicy() resolvedRetryPolicy {
	return resolvedRetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		Multiplier:     defaultMultiplier,
		MaxBackoff:     defaultMaxBackoff,
	}
}

func resolveRetryPolicy(policy RetryPolicy) (resolvedRetryPolicy, error) {
	base := defaultRetryPolicy()

	if policy.MaxAttempts < 0 {
		return base, fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if policy.MaxAttempts > 0 {
		base.MaxAttempts = policy.MaxAttempts
	}

	if s := strings.TrimSpace(policy.InitialBackoff); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return base, fmt.Errorf("retry.initial_backoff must be a positive duration")
		}
		base.InitialBackoff = d
	}

	if policy.Multiplier != 0 {
		if policy.Multiplier < 1 {
			return base, fmt.Errorf("retry.multiplier must be >= 1")
		}
		base.Multiplier = policy.Multiplier
	}

	if s := strings.TrimSpace(policy.MaxBackoff); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return base, fmt.Errorf("retry.max_backoff must be a positive duration")
		}
		base.MaxBackoff = d
	}
	return base, nil
}

// delay returns the wait before the attempt after failedAttempt.
func (p resolvedRetryPolicy) delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(failedAttempt-1)))
	if d <= 0 {
		d = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
