// Package config defines the runtime configuration schema, its defaults and validation.
// A single schema covers mailbox, processing and resilience settings; durations are
// expressed in integer milliseconds in files and exposed as time.Duration by accessors.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Default values applied to zero fields.
const (
	DefaultMailboxSize           = 100
	DefaultPriorityQueueSize     = 20
	DefaultBackpressureTimeoutMs = 1000
	DefaultFairnessQuota         = 8

	DefaultMaxConcurrent     = 10
	DefaultMaxRetries        = 3
	DefaultRetryDelayMs      = 100
	DefaultProcessingTimeout = 30000

	DefaultFailureThreshold  = 5
	DefaultResetTimeoutMs    = 30000
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelayMs        = 10000

	DefaultRequestsPerMinute = 600
	DefaultRateConcurrency   = 10

	DefaultSubscriptionBuffer = 64
	DefaultMetricsAddr        = ":9090"
)

// Config is the canonical runtime configuration.
type Config struct {
	Mailbox       MailboxConfig      `json:"mailbox" yaml:"mailbox"`
	Processing    ProcessingConfig   `json:"processing" yaml:"processing"`
	Resilience    ResilienceConfig   `json:"resilience" yaml:"resilience"`
	Subscriptions SubscriptionConfig `json:"subscriptions" yaml:"subscriptions"`
	Sinks         SinkConfig         `json:"sinks" yaml:"sinks"`
	Metrics       MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// MailboxConfig sizes each actor's mailbox lanes.
type MailboxConfig struct {
	Size                 int   `json:"size" yaml:"size"`
	PriorityQueueSize    int   `json:"priorityQueueSize" yaml:"priorityQueueSize"`
	EnablePrioritization *bool `json:"enablePrioritization,omitempty" yaml:"enablePrioritization,omitempty"`
	BackpressureTimeout  *int  `json:"backpressureTimeout,omitempty" yaml:"backpressureTimeout,omitempty"` // ms, 0 fails fast
	// FairnessQuota is the number of consecutive priority dequeues after which one
	// pending normal entry is served.
	FairnessQuota int `json:"fairnessQuota" yaml:"fairnessQuota"`
}

// ProcessingConfig bounds activity execution.
type ProcessingConfig struct {
	MaxConcurrent int  `json:"maxConcurrent" yaml:"maxConcurrent"`
	MaxRetries    *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelay    *int `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"` // ms
	Timeout       int  `json:"timeout" yaml:"timeout"`                           // ms
}

// ResilienceConfig holds the Orchestrator's default policy.
type ResilienceConfig struct {
	CircuitBreakerEnabled  *bool           `json:"circuitBreakerEnabled,omitempty" yaml:"circuitBreakerEnabled,omitempty"`
	FailureThreshold       int             `json:"failureThreshold" yaml:"failureThreshold"`
	ResetTimeoutMs         int             `json:"resetTimeoutMs" yaml:"resetTimeoutMs"`
	RetryBackoffMultiplier float64         `json:"retryBackoffMultiplier" yaml:"retryBackoffMultiplier"`
	RetryJitter            *bool           `json:"retryJitter,omitempty" yaml:"retryJitter,omitempty"`
	MaxRetries             *int            `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelay             *int            `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"` // ms
	MaxDelay               int             `json:"maxDelay" yaml:"maxDelay"`                         // ms
	Timeout                int             `json:"timeout" yaml:"timeout"`                           // ms
	RateLimit              RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
}

// RateLimitConfig configures the optional outermost Orchestrator stage.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `json:"requestsPerMinute" yaml:"requestsPerMinute"`
	MaxConcurrency    int  `json:"maxConcurrency" yaml:"maxConcurrency"`
}

// SubscriptionConfig sizes per-subscriber buffers.
type SubscriptionConfig struct {
	BufferSize int `json:"bufferSize" yaml:"bufferSize"`
}

// SinkConfig enables the optional event sinks. Empty values disable them.
type SinkConfig struct {
	EventLogDir string `json:"eventLogDir" yaml:"eventLogDir"`
	SQLitePath  string `json:"sqlitePath" yaml:"sqlitePath"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// Int returns a pointer to v for setting optional fields in code.
func Int(v int) *int { return &v }

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields. Pointer fields distinguish an explicit
// false/0 from an absent value.
func ApplyDefaults(cfg *Config) {
	m := &cfg.Mailbox
	if m.Size == 0 {
		m.Size = DefaultMailboxSize
	}
	if m.PriorityQueueSize == 0 {
		m.PriorityQueueSize = DefaultPriorityQueueSize
	}
	if m.EnablePrioritization == nil {
		m.EnablePrioritization = boolPtr(true)
	}
	if m.BackpressureTimeout == nil {
		m.BackpressureTimeout = intPtr(DefaultBackpressureTimeoutMs)
	}
	if m.FairnessQuota == 0 {
		m.FairnessQuota = DefaultFairnessQuota
	}

	p := &cfg.Processing
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = DefaultMaxConcurrent
	}
	if p.MaxRetries == nil {
		p.MaxRetries = intPtr(DefaultMaxRetries)
	}
	if p.RetryDelay == nil {
		p.RetryDelay = intPtr(DefaultRetryDelayMs)
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultProcessingTimeout
	}

	r := &cfg.Resilience
	if r.CircuitBreakerEnabled == nil {
		r.CircuitBreakerEnabled = boolPtr(true)
	}
	if r.FailureThreshold == 0 {
		r.FailureThreshold = DefaultFailureThreshold
	}
	if r.ResetTimeoutMs == 0 {
		r.ResetTimeoutMs = DefaultResetTimeoutMs
	}
	if r.RetryBackoffMultiplier == 0 {
		r.RetryBackoffMultiplier = DefaultBackoffMultiplier
	}
	if r.RetryJitter == nil {
		r.RetryJitter = boolPtr(true)
	}
	if r.MaxRetries == nil {
		r.MaxRetries = intPtr(DefaultMaxRetries)
	}
	if r.RetryDelay == nil {
		r.RetryDelay = intPtr(DefaultRetryDelayMs)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelayMs
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultProcessingTimeout
	}
	if r.RateLimit.RequestsPerMinute == 0 {
		r.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if r.RateLimit.MaxConcurrency == 0 {
		r.RateLimit.MaxConcurrency = DefaultRateConcurrency
	}

	if cfg.Subscriptions.BufferSize == 0 {
		cfg.Subscriptions.BufferSize = DefaultSubscriptionBuffer
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
}

// Validate checks ranges. It expects defaults to have been applied.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Mailbox.Size > 0, "mailbox.size must be positive, got %d", c.Mailbox.Size)
	check(c.Mailbox.PriorityQueueSize > 0, "mailbox.priorityQueueSize must be positive, got %d", c.Mailbox.PriorityQueueSize)
	check(c.Mailbox.BackpressureTimeout == nil || *c.Mailbox.BackpressureTimeout >= 0, "mailbox.backpressureTimeout must not be negative")
	check(c.Mailbox.FairnessQuota > 0, "mailbox.fairnessQuota must be positive, got %d", c.Mailbox.FairnessQuota)

	check(c.Processing.MaxConcurrent > 0, "processing.maxConcurrent must be positive, got %d", c.Processing.MaxConcurrent)
	check(c.Processing.MaxRetries == nil || *c.Processing.MaxRetries >= 0, "processing.maxRetries must not be negative")
	check(c.Processing.RetryDelay == nil || *c.Processing.RetryDelay >= 0, "processing.retryDelay must not be negative")
	check(c.Processing.Timeout > 0, "processing.timeout must be positive, got %d", c.Processing.Timeout)

	r := c.Resilience
	check(r.FailureThreshold > 0, "resilience.failureThreshold must be positive, got %d", r.FailureThreshold)
	check(r.ResetTimeoutMs > 0, "resilience.resetTimeoutMs must be positive, got %d", r.ResetTimeoutMs)
	check(r.RetryBackoffMultiplier >= 1, "resilience.retryBackoffMultiplier must be >= 1, got %v", r.RetryBackoffMultiplier)
	check(r.MaxRetries == nil || *r.MaxRetries >= 0, "resilience.maxRetries must not be negative")
	check(r.RetryDelay == nil || *r.RetryDelay >= 0, "resilience.retryDelay must not be negative")
	check(r.MaxDelay >= r.delayMs(), "resilience.maxDelay (%d) must be >= retryDelay (%d)", r.MaxDelay, r.delayMs())
	check(r.Timeout > 0, "resilience.timeout must be positive, got %d", r.Timeout)
	if r.RateLimit.Enabled {
		check(r.RateLimit.RequestsPerMinute > 0, "resilience.rateLimit.requestsPerMinute must be positive")
		check(r.RateLimit.MaxConcurrency > 0, "resilience.rateLimit.maxConcurrency must be positive")
	}

	check(c.Subscriptions.BufferSize > 0, "subscriptions.bufferSize must be positive, got %d", c.Subscriptions.BufferSize)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// PrioritizationEnabled reports whether the priority lane is in use.
func (m MailboxConfig) PrioritizationEnabled() bool {
	return m.EnablePrioritization == nil || *m.EnablePrioritization
}

// BackpressureWait returns the normal-lane wait budget. Zero rejects a full
// normal lane immediately.
func (m MailboxConfig) BackpressureWait() time.Duration {
	return millis(m.BackpressureTimeout, DefaultBackpressureTimeoutMs)
}

// Retries returns maxRetries, defaulting when unset.
func (p ProcessingConfig) Retries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Delay returns the flat delay between attempts.
func (p ProcessingConfig) Delay() time.Duration {
	return millis(p.RetryDelay, DefaultRetryDelayMs)
}

// Deadline returns the per-attempt timeout.
func (p ProcessingConfig) Deadline() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

// BreakerEnabled reports whether circuit breaking applies by default.
func (r ResilienceConfig) BreakerEnabled() bool {
	return r.CircuitBreakerEnabled == nil || *r.CircuitBreakerEnabled
}

// JitterEnabled reports whether retry delays are jittered.
func (r ResilienceConfig) JitterEnabled() bool {
	return r.RetryJitter == nil || *r.RetryJitter
}

// Retries returns maxRetries, defaulting when unset.
func (r ResilienceConfig) Retries() int {
	if r.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}

// ResetTimeout returns the Open → HalfOpen cooldown.
func (r ResilienceConfig) ResetTimeout() time.Duration {
	return time.Duration(r.ResetTimeoutMs) * time.Millisecond
}

// InitialDelay returns the first retry delay.
func (r ResilienceConfig) InitialDelay() time.Duration {
	return time.Duration(r.delayMs()) * time.Millisecond
}

func (r ResilienceConfig) delayMs() int {
	if r.RetryDelay == nil {
		return DefaultRetryDelayMs
	}
	return *r.RetryDelay
}

// MaxBackoff returns the retry delay cap.
func (r ResilienceConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxDelay) * time.Millisecond
}

// AttemptTimeout returns the per-attempt deadline.
func (r ResilienceConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Millisecond
}

func millis(ms *int, def int) time.Duration {
	if ms == nil {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(*ms) * time.Millisecond
}
