// Package supervisor implements the per-actor lifecycle state machine.
//
// The transition table is a pure function; Supervisor adds locking, waiting
// and change notification on top of it.
package supervisor

// State is the lifecycle phase of an actor.
type State string

// Lifecycle states.
const (
	Idle       State = "IDLE"
	Running    State = "RUNNING"
	Paused     State = "PAUSED"
	Error      State = "ERROR"
	Terminated State = "TERMINATED"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool { return s == Terminated }

// CanInvoke reports whether a workflow may run in this state.
func (s State) CanInvoke() bool {
	return s != Paused && s != Terminated
}

// Event drives a transition.
type Event string

// Lifecycle events.
const (
	EventStart            Event = "start"
	EventActivityReceived Event = "activityReceived"
	EventComplete         Event = "complete"
	EventFail             Event = "fail"
	EventPause            Event = "pause"
	EventResume           Event = "resume"
	EventTerminate        Event = "terminate"
)

func (e Event) String() string { return string(e) }

// TransitionTable maps a state to the events it accepts and their targets.
type TransitionTable map[State]map[Event]State

// Transitions is the lifecycle table. Terminated has no entries.
//
//nolint:gochecknoglobals // read-only lookup table
var Transitions = TransitionTable{
	Idle: {
		EventStart:            Running,
		EventActivityReceived: Running,
		EventPause:            Paused,
		EventTerminate:        Terminated,
	},
	Running: {
		EventActivityReceived: Running,
		EventComplete:         Idle,
		EventFail:             Error,
		EventPause:            Paused,
		EventTerminate:        Terminated,
	},
	Paused: {
		EventPause:     Paused,
		EventResume:    Idle,
		EventTerminate: Terminated,
	},
	Error: {
		EventStart:            Running,
		EventActivityReceived: Running,
		EventPause:            Paused,
		EventResume:           Idle,
		EventTerminate:        Terminated,
	},
}

// Transition returns the state reached from s on e. Invalid pairs return s
// unchanged and ok=false.
func Transition(s State, e Event) (next State, ok bool) {
	next, ok = Transitions[s][e]
	if !ok {
		return s, false
	}
	return next, true
}
