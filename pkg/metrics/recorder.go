// Package metrics provides metrics recording for the actor runtime and the Orchestrator.
package metrics

import "time"

// Outcome labels used across recorders.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeDiscarded   = "discarded"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeTimeout     = "timeout"
	OutcomeDenied      = "denied"
)

// Recorder defines the interface for recording runtime metrics.
type Recorder interface {
	// ActivityEnqueued counts an accepted send on lane ("priority" or "normal").
	ActivityEnqueued(lane string)
	// BackpressureRejected counts a send refused because lane was full.
	BackpressureRejected(lane string)
	// ActivityProcessed records the final outcome of an activity.
	ActivityProcessed(outcome string, attempts int, duration time.Duration)
	// ActivityStarted and ActivityFinished bracket an activity holding a slot.
	ActivityStarted()
	ActivityFinished()
	// ActorCreated and ActorTerminated track registered actors. Recorders may be
	// shared by several runtimes, so both are deltas.
	ActorCreated()
	ActorTerminated()
	// SupervisorTransition counts a state machine transition.
	SupervisorTransition(from, to string)
	// OrchestratorCall records the outcome of one Orchestrator execution.
	OrchestratorCall(operation, outcome string, attempts int, duration time.Duration)
	// CircuitState reports the phase of an operation's breaker (0 closed, 1 open, 2 half-open).
	CircuitState(operation string, phase int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ActivityEnqueued(_ string)                            {}
func (n *NoopRecorder) BackpressureRejected(_ string)                        {}
func (n *NoopRecorder) ActivityProcessed(_ string, _ int, _ time.Duration)   {}
func (n *NoopRecorder) ActivityStarted()                                     {}
func (n *NoopRecorder) ActivityFinished()                                    {}
func (n *NoopRecorder) ActorCreated()                                        {}
func (n *NoopRecorder) ActorTerminated()                                     {}
func (n *NoopRecorder) SupervisorTransition(_, _ string)                     {}
func (n *NoopRecorder) OrchestratorCall(_, _ string, _ int, _ time.Duration) {}
func (n *NoopRecorder) CircuitState(_ string, _ int)                         {}
