// Package timeout bounds a single attempt with a hard deadline.
package timeout

import (
	"context"
	"fmt"
	"time"
)

// Error reports an attempt that did not finish within its deadline.
type Error struct {
	After time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("attempt exceeded deadline of %v", e.After)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *Error) Unwrap() error {
	return context.DeadlineExceeded
}

// PanicError carries a value recovered from an attempt.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

type result[T any] struct {
	val T
	err error
}

// Run executes fn with a context that expires after d. Once the deadline passes Run
// returns *Error without waiting; fn keeps its cancelled context and whatever it
// returns later is discarded. A zero or negative d disables the deadline.
// Cancellation of the parent ctx is reported as ctx.Err().
func Run[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return call(ctx, fn)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		val, err := call(attemptCtx, fn)
		done <- result[T]{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, &Error{After: d}
		}
		return r.val, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err //nolint:wrapcheck // Context error propagated as-is
		}
		return zero, &Error{After: d}
	}
}

func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx)
}
