package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProcessing is matched by every *ProcessingError.
	ErrProcessing = errors.New("activity processing failed")

	// ErrDiscarded reports an activity dropped because its actor went away
	// before the activity produced a result.
	ErrDiscarded = errors.New("activity discarded")

	// ErrNotReady is returned by Handler.Begin when the actor cannot start work yet.
	ErrNotReady = errors.New("handler not ready")
)

// ProcessingError reports an activity whose every attempt failed.
type ProcessingError struct {
	ActorID    string
	ActivityID string
	Attempts   int
	Cause      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("actor %s: activity %s failed after %d attempts: %v", e.ActorID, e.ActivityID, e.Attempts, e.Cause)
}

// Is makes errors.Is(err, ErrProcessing) match.
func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

func (e *ProcessingError) Unwrap() error { return e.Cause }

// AttemptTimeoutError reports an attempt that outlived processing.timeout.
// Cause is whatever the workflow returned once it finally stopped, if anything.
type AttemptTimeoutError struct {
	Attempt int
	After   time.Duration
	Cause   error
}

func (e *AttemptTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("attempt %d exceeded %v: %v", e.Attempt, e.After, e.Cause)
	}
	return fmt.Sprintf("attempt %d exceeded %v", e.Attempt, e.After)
}

// Unwrap exposes context.DeadlineExceeded.
func (e *AttemptTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PanicError carries a value recovered from a workflow.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workflow panicked: %v", e.Value)
}
