package runtime

import "time"

// RecordKind classifies sink records.
type RecordKind string

// Record kinds.
const (
	RecordActorCreated      RecordKind = "actor.created"
	RecordActorTerminated   RecordKind = "actor.terminated"
	RecordStateApplied      RecordKind = "state.applied"
	RecordActivityFailed    RecordKind = "activity.failed"
	RecordActivityDiscarded RecordKind = "activity.discarded"
	RecordTransition        RecordKind = "supervisor.transition"
)

// Record is one runtime event handed to a Sink.
type Record struct {
	Kind       RecordKind `json:"kind"`
	ActorID    string     `json:"actor_id"`
	ActivityID string     `json:"activity_id,omitempty"`
	Version    uint64     `json:"version,omitempty"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Error      string     `json:"error,omitempty"`
	Data       any        `json:"data,omitempty"`
	Time       time.Time  `json:"time"`
}

// Sink receives runtime records. Emit must not block; the runtime never waits
// on a sink and ignores its failures.
type Sink interface {
	Emit(rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

// Emit calls f.
func (f SinkFunc) Emit(rec Record) { f(rec) }

// MultiSink fans records out to every sink in order.
type MultiSink []Sink

// Emit forwards rec to each sink.
func (m MultiSink) Emit(rec Record) {
	for _, s := range m {
		if s != nil {
			s.Emit(rec)
		}
	}
}

// NopSink discards records.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Record) {}
