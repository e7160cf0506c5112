package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentruntime/pkg/effector"
	"agentruntime/pkg/mailbox"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/processor"
	"agentruntime/pkg/supervisor"
)

// Activity is a unit of work delivered to an actor.
type Activity = mailbox.Activity

// Workflow is an actor's behavior. It receives the activity, the carried
// supervisor context and the current state, and returns the effects to apply.
// A Workflow must not mutate inv.State in place.
type Workflow[S any] func(ctx context.Context, inv Invocation[S]) (Outcome[S], error)

// Invocation is the input of one workflow attempt.
type Invocation[S any] struct {
	ActorID     string
	Activity    Activity
	Context     supervisor.Context
	State       S
	Version     uint64
	Attempt     int
	Permissions permission.Set
}

// Outcome is what a successful workflow attempt returns.
type Outcome[S any] struct {
	// Context is committed as the actor's carried context. A nil Snapshot keeps
	// the previous one.
	Context supervisor.Context
	// Result resolves the activity's Receipt.
	Result any
	// Effects are applied to the actor's state in order.
	Effects []effector.Effect[S]
}

// Status is an actor's registry status.
type Status string

// Actor statuses.
const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Actor is a point-in-time view of a registered actor.
type Actor[S any] struct {
	ID          string
	State       S
	Version     uint64
	Status      Status
	Supervisor  supervisor.State
	Permissions permission.Set
	Failures    []effector.Failure
	// Transitions holds the most recent supervisor transitions, oldest first.
	Transitions []supervisor.Change
	// PriorityQueued and NormalQueued count activities waiting in each lane.
	PriorityQueued int
	NormalQueued   int
	CreatedAt      time.Time
	TerminatedAt   time.Time
}

// actor is the runtime's bookkeeping for one registered actor. It is the
// processor.Handler driving that actor's mailbox.
type actor[S any] struct {
	id        string
	rt        *Runtime[S]
	workflow  Workflow[S]
	perms     permission.Set
	sup       *supervisor.Supervisor
	mb        *mailbox.Mailbox
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// mu serializes Finish against terminate so no effect lands after termination.
	mu           sync.Mutex
	terminated   bool
	terminatedAt time.Time
}

func (a *actor[S]) Ready(ctx context.Context) error {
	return a.sup.Await(ctx) //nolint:wrapcheck // Supervisor errors propagated as-is
}

func (a *actor[S]) Begin(entry mailbox.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return processor.ErrDiscarded
	}
	state, err := a.sup.Fire(supervisor.EventActivityReceived)
	if err == nil {
		return nil
	}
	if state.IsTerminal() {
		return processor.ErrDiscarded
	}
	return processor.ErrNotReady
}

func (a *actor[S]) Attempt(ctx context.Context, entry mailbox.Entry, attempt int) (any, error) {
	snap, err := a.rt.effector.Get(a.id)
	if err != nil {
		return nil, &TerminatedError{ID: a.id}
	}
	out, err := a.workflow(ctx, Invocation[S]{
		ActorID:     a.id,
		Activity:    entry.Activity,
		Context:     a.sup.Context(),
		State:       snap.State,
		Version:     snap.Version,
		Attempt:     attempt,
		Permissions: a.perms,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *actor[S]) Finish(entry mailbox.Entry, result any, err error) {
	receipt, _ := entry.Reply.(*Receipt)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminated || errors.Is(err, processor.ErrDiscarded) {
		a.rt.emit(Record{Kind: RecordActivityDiscarded, ActorID: a.id, ActivityID: entry.Activity.ID})
		resolve(receipt, nil, processor.ErrDiscarded)
		return
	}

	if err != nil {
		attempts := 0
		var perr *processor.ProcessingError
		if errors.As(err, &perr) {
			attempts = perr.Attempts
		}
		snap, ferr := a.rt.effector.RecordFailure(a.id, effector.Failure{
			ActivityID: entry.Activity.ID,
			Attempts:   attempts,
			Error:      err.Error(),
			At:         a.rt.now(),
		})
		if ferr == nil {
			a.rt.emit(Record{
				Kind:       RecordActivityFailed,
				ActorID:    a.id,
				ActivityID: entry.Activity.ID,
				Version:    snap.Version,
				Attempts:   attempts,
				Error:      err.Error(),
			})
		}
		_, _ = a.sup.Fire(supervisor.EventFail)
		resolve(receipt, nil, err)
		return
	}

	out, _ := result.(Outcome[S])
	snap, aerr := a.rt.effector.Apply(a.id, out.Effects...)
	if aerr != nil {
		resolve(receipt, nil, processor.ErrDiscarded)
		return
	}
	if out.Context.Snapshot != nil {
		a.sup.Commit(out.Context)
	}
	if len(out.Effects) > 0 {
		a.rt.emit(Record{
			Kind:       RecordStateApplied,
			ActorID:    a.id,
			ActivityID: entry.Activity.ID,
			Version:    snap.Version,
			Data:       snap.State,
		})
	}
	// A pause requested mid-activity keeps the supervisor Paused.
	_, _ = a.sup.Fire(supervisor.EventComplete)
	resolve(receipt, out.Result, nil)
}

// terminate marks the actor terminated and reports whether this call did it.
func (a *actor[S]) terminate(at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return false
	}
	a.terminated = true
	a.terminatedAt = at
	return true
}

func resolve(r *Receipt, result any, err error) {
	if r != nil {
		r.resolve(result, err)
	}
}
