package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
		ok   bool
	}{
		{Idle, EventStart, Running, true},
		{Idle, EventActivityReceived, Running, true},
		{Idle, EventComplete, Idle, false},
		{Idle, EventResume, Idle, false},
		{Running, EventComplete, Idle, true},
		{Running, EventFail, Error, true},
		{Running, EventActivityReceived, Running, true},
		{Running, EventStart, Running, false},
		{Paused, EventResume, Idle, true},
		{Paused, EventActivityReceived, Paused, false},
		{Paused, EventPause, Paused, true},
		{Error, EventResume, Idle, true},
		{Error, EventActivityReceived, Running, true},
		{Error, EventComplete, Error, false},
		{Error, EventTerminate, Terminated, true},
	}
	for _, tt := range tests {
		got, ok := Transition(tt.from, tt.ev)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Transition(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.ev, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	for _, ev := range []Event{EventStart, EventActivityReceived, EventComplete, EventFail, EventPause, EventResume, EventTerminate} {
		if got, ok := Transition(Terminated, ev); ok || got != Terminated {
			t.Errorf("Transition(TERMINATED, %s) = (%s, %v), want (TERMINATED, false)", ev, got, ok)
		}
	}
}

func TestFireReportsInvalidTransition(t *testing.T) {
	s := New()
	_, err := s.Fire(EventComplete)

	var tErr *TransitionError
	if !errors.As(err, &tErr) || tErr.From != Idle || tErr.Event != EventComplete {
		t.Fatalf("Fire() = %v, want TransitionError from IDLE", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("TransitionError should match ErrInvalidTransition")
	}
	if s.State() != Idle {
		t.Errorf("State = %s, want IDLE", s.State())
	}
}

func TestListenerSkipsSelfTransitions(t *testing.T) {
	var changes []Change
	s := New(WithListener(func(c Change) { changes = append(changes, c) }))

	mustFire(t, s, EventActivityReceived)
	mustFire(t, s, EventActivityReceived)
	mustFire(t, s, EventFail)
	mustFire(t, s, EventResume)

	if len(changes) != 3 {
		t.Fatalf("listener saw %d changes, want 3: %+v", len(changes), changes)
	}
	if changes[1].From != Running || changes[1].To != Error || changes[1].Event != EventFail {
		t.Errorf("Unexpected change %+v", changes[1])
	}
	if got := len(s.History()); got != 3 {
		t.Errorf("History length = %d, want 3", got)
	}
}

func TestAwaitBlocksWhilePaused(t *testing.T) {
	s := New()
	mustFire(t, s, EventPause)

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Await returned %v while paused", err)
	case <-time.After(30 * time.Millisecond):
	}

	mustFire(t, s, EventResume)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Await() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after resume")
	}
}

func TestAwaitTerminated(t *testing.T) {
	s := New()
	mustFire(t, s, EventPause)

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background()) }()
	mustFire(t, s, EventTerminate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("Await() = %v, want ErrTerminated", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after terminate")
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	s := New()
	mustFire(t, s, EventPause)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() = %v, want DeadlineExceeded", err)
	}
}

func TestCommitCarriesSnapshot(t *testing.T) {
	s := New(WithSnapshot(map[string]any{"turns": 1}))

	next := s.Context().With("turns", 2)
	s.Commit(next)

	got, ok := GetTyped[int](s.Context(), "turns")
	if !ok || got != 2 {
		t.Errorf("turns = %d, %v; want 2", got, ok)
	}

	// Mutating the returned copy does not leak back.
	c := s.Context()
	c.Snapshot["turns"] = 99
	if got, _ := GetTyped[int](s.Context(), "turns"); got != 2 {
		t.Errorf("snapshot mutated through copy: %d", got)
	}

	mustFire(t, s, EventTerminate)
	s.Commit(next.With("turns", 3))
	if got, _ := GetTyped[int](s.Context(), "turns"); got != 2 {
		t.Errorf("Commit after terminate should be ignored, got %d", got)
	}
}

func mustFire(t *testing.T, s *Supervisor, e Event) {
	t.Helper()
	if _, err := s.Fire(e); err != nil {
		t.Fatalf("Fire(%s) error = %v", e, err)
	}
}
