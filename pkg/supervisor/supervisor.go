package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid supervisor transition")

	// ErrTerminated is returned by Await once the supervisor reached Terminated.
	ErrTerminated = errors.New("supervisor terminated")
)

// TransitionError reports an event the current state does not accept.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid supervisor transition: %s on %s", e.Event, e.From)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Context is the value threaded through workflow invocations.
type Context struct {
	ProcessState State
	Snapshot     map[string]any
}

// Clone returns a copy with its own Snapshot map.
func (c Context) Clone() Context {
	return Context{ProcessState: c.ProcessState, Snapshot: maps.Clone(c.Snapshot)}
}

// With returns a copy of c with key set to value.
func (c Context) With(key string, value any) Context {
	out := c.Clone()
	if out.Snapshot == nil {
		out.Snapshot = make(map[string]any, 1)
	}
	out.Snapshot[key] = value
	return out
}

// GetTyped retrieves a typed value from the snapshot.
func GetTyped[T any](c Context, key string) (T, bool) {
	var zero T
	v, ok := c.Snapshot[key]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Change records one applied transition.
type Change struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
}

// maxHistory bounds the retained transition history.
const maxHistory = 64

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithListener registers fn to be called, outside the lock, after every applied transition.
func WithListener(fn func(Change)) Option {
	return func(s *Supervisor) { s.listener = fn }
}

// WithSnapshot seeds the carried snapshot.
func WithSnapshot(snapshot map[string]any) Option {
	return func(s *Supervisor) { s.snapshot = maps.Clone(snapshot) }
}

// Supervisor guards one actor's lifecycle.
type Supervisor struct {
	mu       sync.Mutex
	state    State
	snapshot map[string]any
	history  []Change
	changed  chan struct{}
	listener func(Change)
}

// New returns a supervisor in Idle.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		state:   Idle,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context returns a copy of the current Context.
func (s *Supervisor) Context() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Context{ProcessState: s.state, Snapshot: maps.Clone(s.snapshot)}
}

// History returns recent transitions, oldest first.
func (s *Supervisor) History() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.history...)
}

// Fire applies e. Self-transitions (Running on activityReceived, Paused on
// pause) succeed without notifying the listener.
func (s *Supervisor) Fire(e Event) (State, error) {
	s.mu.Lock()
	from := s.state
	to, ok := Transition(from, e)
	if !ok {
		s.mu.Unlock()
		return from, &TransitionError{From: from, Event: e}
	}
	if to == from {
		s.mu.Unlock()
		return to, nil
	}

	change := Change{From: from, To: to, Event: e, Timestamp: time.Now().UTC()}
	s.state = to
	s.history = append(s.history, change)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	close(s.changed)
	s.changed = make(chan struct{})
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(change)
	}
	return to, nil
}

// Commit carries a workflow's returned snapshot forward.
func (s *Supervisor) Commit(c Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.snapshot = maps.Clone(c.Snapshot)
}

// Await blocks while the supervisor is Paused. It returns nil once a workflow may
// run, ErrTerminated after termination, or ctx.Err().
func (s *Supervisor) Await(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, ch := s.state, s.changed
		s.mu.Unlock()

		switch {
		case state.IsTerminal():
			return ErrTerminated
		case state.CanInvoke():
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Context error propagated as-is
		case <-ch:
		}
	}
}
