package resilience

import (
	"time"

	"agentruntime/pkg/config"
	"agentruntime/pkg/resilience/circuit"
	"agentruntime/pkg/resilience/ratelimit"
	"agentruntime/pkg/resilience/retry"
)

// Policy configures every stage the Orchestrator composes around an operation.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Policy struct {
	CircuitBreakerEnabled bool
	FailureThreshold      int
	ResetTimeout          time.Duration

	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	Jitter            bool
	MaxDelay          time.Duration
	Classifier        retry.Classifier

	// Timeout bounds each attempt. Zero disables the deadline.
	Timeout time.Duration

	// RateLimit enables the outermost stage when non-nil.
	RateLimit *ratelimit.Config
}

// DefaultPolicy mirrors the defaults of config.Default().
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Resilience)
}

// PolicyFromConfig converts the resilience section of the runtime configuration.
func PolicyFromConfig(cfg config.ResilienceConfig) Policy {
	p := Policy{
		CircuitBreakerEnabled: cfg.BreakerEnabled(),
		FailureThreshold:      cfg.FailureThreshold,
		ResetTimeout:          cfg.ResetTimeout(),
		MaxRetries:            cfg.Retries(),
		RetryDelay:            cfg.InitialDelay(),
		BackoffMultiplier:     cfg.RetryBackoffMultiplier,
		Jitter:                cfg.JitterEnabled(),
		MaxDelay:              cfg.MaxBackoff(),
		Timeout:               cfg.AttemptTimeout(),
	}
	if cfg.RateLimit.Enabled {
		p.RateLimit = &ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			MaxConcurrency:    cfg.RateLimit.MaxConcurrency,
		}
	}
	return p
}

// Validate returns a *ConfigError for the first invalid field.
func (p Policy) Validate() error {
	switch {
	case p.CircuitBreakerEnabled && p.FailureThreshold < 1:
		return &ConfigError{Field: "failureThreshold", Reason: "must be at least 1"}
	case p.CircuitBreakerEnabled && p.ResetTimeout <= 0:
		return &ConfigError{Field: "resetTimeout", Reason: "must be positive"}
	case p.MaxRetries < 0:
		return &ConfigError{Field: "maxRetries", Reason: "must not be negative"}
	case p.RetryDelay < 0:
		return &ConfigError{Field: "retryDelay", Reason: "must not be negative"}
	case p.MaxRetries > 0 && p.BackoffMultiplier < 1:
		return &ConfigError{Field: "retryBackoffMultiplier", Reason: "must be >= 1"}
	case p.MaxDelay < 0:
		return &ConfigError{Field: "maxDelay", Reason: "must not be negative"}
	case p.MaxDelay > 0 && p.MaxDelay < p.RetryDelay:
		return &ConfigError{Field: "maxDelay", Reason: "must be >= retryDelay"}
	case p.Timeout < 0:
		return &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	if rl := p.RateLimit; rl != nil {
		if rl.RequestsPerMinute < 1 {
			return &ConfigError{Field: "rateLimit.requestsPerMinute", Reason: "must be at least 1"}
		}
		if rl.MaxConcurrency < 1 {
			return &ConfigError{Field: "rateLimit.maxConcurrency", Reason: "must be at least 1"}
		}
	}
	return nil
}

func (p Policy) breakerConfig() circuit.Config {
	return circuit.Config{FailureThreshold: p.FailureThreshold, ResetTimeout: p.ResetTimeout}
}

func (p Policy) retryPolicy() *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxRetries:    p.MaxRetries,
		InitialDelay:  p.RetryDelay,
		MaxDelay:      p.MaxDelay,
		BackoffFactor: p.BackoffMultiplier,
		Jitter:        p.Jitter,
	}, p.Classifier)
}
