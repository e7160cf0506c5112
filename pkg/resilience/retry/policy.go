// Package retry provides retry logic with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"agentruntime/pkg/permission"
	"agentruntime/pkg/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries    int           `json:"max_retries"`    // Additional attempts after the first failure
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier applied after every retry
	Jitter        bool          `json:"jitter"`         // Randomize each delay by up to ±JitterFraction
}

// JitterFraction bounds the random spread applied to each delay.
const JitterFraction = 0.2

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Everything is retried except caller
// cancellation, open circuits and permission denials.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}
	return !errors.Is(err, permission.ErrDenied)
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
	rand       func() float64
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
		rand:       rand.Float64,
	}
}

// CalculateDelay returns the wait before retry number n (1-based):
// InitialDelay × BackoffFactor^(n-1), capped at MaxDelay, then jittered.
func (p *Policy) CalculateDelay(n int) time.Duration {
	if n < 1 || p.Config.InitialDelay <= 0 {
		return 0
	}

	factor := p.Config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	raw := float64(p.Config.InitialDelay) * math.Pow(factor, float64(n-1))
	if p.Config.MaxDelay > 0 && raw > float64(p.Config.MaxDelay) {
		raw = float64(p.Config.MaxDelay)
	}

	if p.Config.Jitter {
		spread := (p.rand()*2 - 1) * JitterFraction
		raw += raw * spread
	}

	delay := time.Duration(raw)
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Context error propagated as-is
	case <-timer.C:
		return nil
	}
}
