package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentruntime/pkg/resilience/circuit"
)

var (
	// ErrConfig indicates invalid policy parameters.
	ErrConfig = errors.New("invalid orchestrator policy")

	// ErrCircuitOpen indicates the circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetriesExhausted indicates all retry attempts have been exhausted.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")

	// ErrTimeout indicates an attempt timed out.
	ErrTimeout = errors.New("operation timed out")
)

// ConfigError reports an invalid policy field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid orchestrator policy: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfig) match.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// CircuitOpenError is returned when the breaker for Operation refuses a call.
// Cause holds the last attempt error when the circuit opened mid-retry.
type CircuitOpenError struct {
	Operation string
	State     circuit.State
	Cause     error
}

func (e *CircuitOpenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: circuit %s: %v", e.Operation, e.State, e.Cause)
	}
	return fmt.Sprintf("%s: circuit %s", e.Operation, e.State)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

func (e *CircuitOpenError) Unwrap() error { return e.Cause }

// RetriesExhaustedError is returned after the last allowed attempt fails.
type RetriesExhaustedError struct {
	Operation string
	Attempts  int
	Cause     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Operation, e.Attempts, e.Cause)
}

// Is makes errors.Is(err, ErrRetriesExhausted) match.
func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

// TimeoutError reports a single attempt that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Attempt   int
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: attempt %d timed out after %v", e.Operation, e.Attempt, e.After)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Unwrap exposes context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
