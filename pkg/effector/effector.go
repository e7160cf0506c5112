// Package effector holds per-actor state. State only changes through pure
// effects applied in order; every change bumps a version and is published to
// subscribers of that actor.
//
// Subscribers get a bounded buffer. When a slow consumer lets it fill up the
// oldest undelivered event is dropped and counted, so producers never block and
// delivered events keep their order. Gaps are visible through Event.Version.
package effector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUnknownActor is returned for ids that were never initialized or were removed.
	ErrUnknownActor = errors.New("effector: unknown actor")

	// ErrExists is returned by Init for an id that already holds state.
	ErrExists = errors.New("effector: actor already initialized")
)

// Defaults.
const (
	DefaultBufferSize   = 64
	DefaultFailureLimit = 100
)

// Effect is a pure state transformation.
type Effect[S any] func(S) S

// Failure is one entry of an actor's error log.
type Failure struct {
	ActivityID string    `json:"activity_id"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// Snapshot is the point-in-time state of an actor.
type Snapshot[S any] struct {
	State     S         `json:"state"`
	Version   uint64    `json:"version"`
	Failures  []Failure `json:"failures,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventKind classifies subscription events.
type EventKind string

// Event kinds.
const (
	// EventSnapshot is the first event of every subscription and carries the current state.
	EventSnapshot EventKind = "snapshot"
	EventApplied  EventKind = "applied"
	EventFailure  EventKind = "failure"
)

// Event is one state change observed by a subscriber.
type Event[S any] struct {
	ActorID string    `json:"actor_id"`
	Kind    EventKind `json:"kind"`
	Version uint64    `json:"version"`
	State   S         `json:"state"`
	Failure *Failure  `json:"failure,omitempty"`
	At      time.Time `json:"at"`
}

// Option configures a Service.
type Option func(*options)

type options struct {
	bufferSize   int
	failureLimit int
	now          func() time.Time
}

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithFailureLimit bounds the retained failure log per actor.
func WithFailureLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.failureLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service stores the state of every actor of one state type.
type Service[S any] struct {
	opts options

	mu      sync.RWMutex
	entries map[string]*entry[S]
	nextSub atomic.Uint64
}

type entry[S any] struct {
	mu   sync.Mutex
	snap Snapshot[S]
	subs map[uint64]*Subscription[S]
}

// NewService creates an empty Service.
func NewService[S any](opts ...Option) *Service[S] {
	o := options{bufferSize: DefaultBufferSize, failureLimit: DefaultFailureLimit, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Service[S]{opts: o, entries: make(map[string]*entry[S])}
}

// Init stores the initial state of id at version 1.
func (s *Service[S]) Init(id string, initial S) (Snapshot[S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return Snapshot[S]{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	e := &entry[S]{
		snap: Snapshot[S]{State: initial, Version: 1, UpdatedAt: s.opts.now()},
		subs: make(map[uint64]*Subscription[S]),
	}
	s.entries[id] = e
	return e.snap, nil
}

// Apply runs effects in order against the current state of id. Each effect
// produces its own version and event.
func (s *Service[S]) Apply(id string, effects ...Effect[S]) (Snapshot[S], error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot[S]{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		return Snapshot[S]{}, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}

	for _, fx := range effects {
		if fx == nil {
			continue
		}
		e.snap.State = fx(e.snap.State)
		e.snap.Version++
		e.snap.UpdatedAt = s.opts.now()
		e.publish(Event[S]{ActorID: id, Kind: EventApplied, Version: e.snap.Version, State: e.snap.State, At: e.snap.UpdatedAt})
	}
	return e.snap.clone(), nil
}

// RecordFailure appends f to the failure log of id and publishes it. The state
// itself is unchanged but the version advances.
func (s *Service[S]) RecordFailure(id string, f Failure) (Snapshot[S], error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot[S]{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		return Snapshot[S]{}, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}

	if f.At.IsZero() {
		f.At = s.opts.now()
	}
	e.snap.Failures = append(e.snap.Failures, f)
	if excess := len(e.snap.Failures) - s.opts.failureLimit; excess > 0 {
		e.snap.Failures = append([]Failure(nil), e.snap.Failures[excess:]...)
	}
	e.snap.Version++
	e.snap.UpdatedAt = f.At
	e.publish(Event[S]{ActorID: id, Kind: EventFailure, Version: e.snap.Version, State: e.snap.State, Failure: &f, At: f.At})
	return e.snap.clone(), nil
}

// Get returns the current snapshot of id.
func (s *Service[S]) Get(id string) (Snapshot[S], error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot[S]{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone(), nil
}

// Subscribe registers a subscriber for id. The subscription ends when ctx is
// done, Close is called, or id is removed.
func (s *Service[S]) Subscribe(ctx context.Context, id string) (*Subscription[S], error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.subs == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	sub := &Subscription[S]{
		id:    s.nextSub.Add(1),
		ch:    make(chan Event[S], s.opts.bufferSize),
		owner: e,
	}
	e.subs[sub.id] = sub
	sub.offer(Event[S]{ActorID: id, Kind: EventSnapshot, Version: e.snap.Version, State: e.snap.State, At: e.snap.UpdatedAt})
	if ctx.Done() != nil {
		sub.stop = context.AfterFunc(ctx, sub.Close)
	}
	e.mu.Unlock()
	return sub, nil
}

// Events returns a lazy sequence of events for id. Nothing is registered until
// ranging starts and every range registers a fresh subscription. The sequence
// ends when id is removed, ctx is done or the consumer stops early. An unknown
// id yields an empty sequence.
func (s *Service[S]) Events(ctx context.Context, id string) iter.Seq[Event[S]] {
	return func(yield func(Event[S]) bool) {
		sub, err := s.Subscribe(ctx, id)
		if err != nil {
			return
		}
		defer sub.Close()
		for ev := range sub.C() {
			if !yield(ev) {
				return
			}
		}
	}
}

// Remove deletes id and completes all of its subscriptions.
func (s *Service[S]) Remove(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	for _, sub := range subs {
		sub.finish()
	}
	e.mu.Unlock()
}

// Len returns the number of actors with state.
func (s *Service[S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribers returns the number of open subscriptions for id.
func (s *Service[S]) Subscribers(id string) int {
	e, err := s.lookup(id)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (s *Service[S]) lookup(id string) (*entry[S], error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	return e, nil
}

// publish must be called with e.mu held.
func (e *entry[S]) publish(ev Event[S]) {
	for _, sub := range e.subs {
		sub.offer(ev)
	}
}

func (snap Snapshot[S]) clone() Snapshot[S] {
	snap.Failures = append([]Failure(nil), snap.Failures...)
	return snap
}

// Subscription delivers events for one actor.
type Subscription[S any] struct {
	id      uint64
	ch      chan Event[S]
	owner   *entry[S]
	dropped atomic.Uint64
	stop    func() bool
	done    bool // guarded by owner.mu
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription[S]) C() <-chan Event[S] { return s.ch }

// Dropped returns the number of events discarded because the buffer was full.
func (s *Subscription[S]) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription[S]) Close() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.subs != nil {
		delete(s.owner.subs, s.id)
	}
	s.finish()
}

// finish must be called with owner.mu held.
func (s *Subscription[S]) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.stop != nil {
		s.stop()
	}
	close(s.ch)
}

// offer must be called with owner.mu held, which serializes producers.
func (s *Subscription[S]) offer(ev Event[S]) {
	if s.done {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}
