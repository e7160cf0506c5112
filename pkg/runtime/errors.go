package runtime

import (
	"errors"
	"fmt"

	"agentruntime/pkg/mailbox"
	"agentruntime/pkg/processor"
	"agentruntime/pkg/resilience"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("actor not found")

	// ErrTerminated is matched by every *TerminatedError.
	ErrTerminated = errors.New("actor terminated")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("actor already exists")

	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("runtime closed")

	// ErrInvalidActor reports unusable CreateActor arguments.
	ErrInvalidActor = errors.New("invalid actor definition")
)

// Re-exported so callers can match every runtime failure through this package.
var (
	ErrBackpressure     = mailbox.ErrBackpressure
	ErrProcessing       = processor.ErrProcessing
	ErrDiscarded        = processor.ErrDiscarded
	ErrCircuitOpen      = resilience.ErrCircuitOpen
	ErrRetriesExhausted = resilience.ErrRetriesExhausted
	ErrTimeout          = resilience.ErrTimeout
	ErrConfig           = resilience.ErrConfig
)

// Re-exported error types.
type (
	BackpressureError     = mailbox.BackpressureError
	ProcessingError       = processor.ProcessingError
	CircuitOpenError      = resilience.CircuitOpenError
	RetriesExhaustedError = resilience.RetriesExhaustedError
	TimeoutError          = resilience.TimeoutError
	ConfigError           = resilience.ConfigError
)

// NotFoundError reports an unknown actor id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("actor %q not found", e.ID) }

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TerminatedError reports an operation against a terminated actor.
type TerminatedError struct {
	ID string
}

func (e *TerminatedError) Error() string { return fmt.Sprintf("actor %q is terminated", e.ID) }

// Is makes errors.Is(err, ErrTerminated) match.
func (e *TerminatedError) Is(target error) bool { return target == ErrTerminated }

// ConflictError reports a CreateActor for an id that is still active.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("actor %q already exists", e.ID) }

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
