// Package runtime hosts actors: each actor owns a bounded mailbox, a
// supervisor, versioned state and a workflow. Activities sent to an actor are
// drained one at a time in mailbox order by a processor shared across the
// runtime, so the concurrency cap applies to all actors together.
//
// Termination is final. An id stays tombstoned after TerminateActor so later
// sends fail with ErrTerminated instead of ErrNotFound, until the id is
// created again. Only the most recent DefaultTombstoneLimit ids are kept;
// older ones fall back to ErrNotFound.
package runtime

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"agentruntime/pkg/config"
	"agentruntime/pkg/effector"
	"agentruntime/pkg/logx"
	"agentruntime/pkg/mailbox"
	"agentruntime/pkg/metrics"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/processor"
	"agentruntime/pkg/supervisor"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	ids       IDGenerator
	sink      Sink
	metrics   metrics.Recorder
	logger    *logx.Logger
	processor *processor.Processor
	now       func() time.Time
	tombLimit int
}

// DefaultTombstoneLimit is how many terminated ids a runtime remembers.
const DefaultTombstoneLimit = 4096

// WithIDGenerator replaces the UUID generator used for missing ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithSink sets the sink receiving runtime records.
func WithSink(s Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProcessor shares an existing processor, and with it its concurrency cap.
func WithProcessor(p *processor.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithTombstoneLimit bounds how many terminated ids are remembered.
func WithTombstoneLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.tombLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// ActorOption configures one actor at creation.
type ActorOption func(*actorOptions)

type actorOptions struct {
	perms    permission.Set
	snapshot map[string]any
}

// WithPermissions grants perms to the actor's workflow invocations.
func WithPermissions(perms permission.Set) ActorOption {
	return func(o *actorOptions) { o.perms = perms }
}

// WithInitialContext seeds the actor's carried supervisor snapshot.
func WithInitialContext(snapshot map[string]any) ActorOption {
	return func(o *actorOptions) { o.snapshot = snapshot }
}

// SendOption configures one SendActivity call.
type SendOption func(*Activity)

// WithPriority routes the activity to the priority lane.
func WithPriority() SendOption {
	return func(a *Activity) { a.Priority = true }
}

// Runtime is the actor registry.
type Runtime[S any] struct {
	cfg       *config.Config
	mbCfg     mailbox.Config
	ids       IDGenerator
	sink      Sink
	metrics   metrics.Recorder
	logger    *logx.Logger
	now       func() time.Time
	processor *processor.Processor
	effector  *effector.Service[S]

	ctx    context.Context //nolint:containedctx // Parent of every drain loop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	actors map[string]*actor[S]
	closed bool

	// tombstones indexes tombOrder, oldest at the front.
	tombstones map[string]*list.Element
	tombOrder  *list.List
	tombLimit  int
}

// New creates a runtime. A nil cfg uses config.Default.
func New[S any](cfg *config.Config, opts ...Option) (*Runtime[S], error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		config.ApplyDefaults(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime config: %w", err)
	}

	o := options{
		ids:       UUIDGenerator{},
		sink:      NopSink{},
		metrics:   metrics.Nop(),
		logger:    logx.NewLogger("runtime"),
		now:       func() time.Time { return time.Now().UTC() },
		tombLimit: DefaultTombstoneLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.processor == nil {
		o.processor = processor.New(processor.ConfigFrom(cfg.Processing),
			processor.WithMetrics(o.metrics), processor.WithLogger(o.logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime[S]{
		cfg:       cfg,
		mbCfg:     mailbox.ConfigFrom(cfg.Mailbox),
		ids:       o.ids,
		sink:      o.sink,
		metrics:   o.metrics,
		logger:    o.logger,
		now:       o.now,
		processor: o.processor,
		effector: effector.NewService[S](
			effector.WithBufferSize(cfg.Subscriptions.BufferSize),
			effector.WithClock(o.now),
		),
		ctx:        ctx,
		cancel:     cancel,
		actors:     make(map[string]*actor[S]),
		tombstones: make(map[string]*list.Element),
		tombOrder:  list.New(),
		tombLimit:  o.tombLimit,
	}, nil
}

// Config returns the effective configuration.
func (rt *Runtime[S]) Config() *config.Config { return rt.cfg }

// Processor returns the shared processor.
func (rt *Runtime[S]) Processor() *processor.Processor { return rt.processor }

// CreateActor registers an actor with the given initial state and starts
// draining its mailbox. An empty id is replaced by a generated one. The returned
// Actor reflects the freshly created actor.
func (rt *Runtime[S]) CreateActor(id string, initial S, wf Workflow[S], opts ...ActorOption) (Actor[S], error) {
	if wf == nil {
		return Actor[S]{}, fmt.Errorf("%w: workflow is nil", ErrInvalidActor)
	}
	if id == "" {
		id = rt.ids.NewID()
	}
	var ao actorOptions
	for _, opt := range opts {
		opt(&ao)
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return Actor[S]{}, ErrClosed
	}
	if _, exists := rt.actors[id]; exists {
		rt.mu.Unlock()
		return Actor[S]{}, &ConflictError{ID: id}
	}
	// State is removed under mu when an actor leaves the registry, so an id absent
	// from rt.actors has no state left behind.
	snap, err := rt.effector.Init(id, initial)
	if err != nil {
		rt.mu.Unlock()
		return Actor[S]{}, fmt.Errorf("actor %s: %w", id, err)
	}
	rt.unbury(id)

	ctx, cancel := context.WithCancel(rt.ctx)
	a := &actor[S]{
		id:        id,
		rt:        rt,
		workflow:  wf,
		perms:     ao.perms,
		mb:        mailbox.New(rt.mbCfg),
		createdAt: rt.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	a.sup = supervisor.New(supervisor.WithListener(rt.transitionListener(id)), supervisor.WithSnapshot(ao.snapshot))
	rt.actors[id] = a
	rt.wg.Add(1)
	rt.mu.Unlock()

	go func() {
		defer rt.wg.Done()
		defer close(a.done)
		rt.processor.Run(ctx, id, a.mb, a)
	}()

	rt.metrics.ActorCreated()
	rt.emit(Record{Kind: RecordActorCreated, ActorID: id, Version: snap.Version})
	rt.logger.WithActorID(id).Info("actor created")

	return rt.view(a, snap), nil
}

// GetActor returns a view of an active actor.
func (rt *Runtime[S]) GetActor(id string) (Actor[S], error) {
	a, err := rt.lookup(id)
	if err != nil {
		return Actor[S]{}, err
	}
	snap, gerr := rt.effector.Get(id)
	if gerr != nil {
		return Actor[S]{}, &NotFoundError{ID: id}
	}
	return rt.view(a, snap), nil
}

// GetActorState returns the actor's current state snapshot.
func (rt *Runtime[S]) GetActorState(id string) (effector.Snapshot[S], error) {
	if _, err := rt.lookup(id); err != nil {
		return effector.Snapshot[S]{}, err
	}
	snap, err := rt.effector.Get(id)
	if err != nil {
		return effector.Snapshot[S]{}, &NotFoundError{ID: id}
	}
	return snap, nil
}

// SupervisorState returns the actor's supervisor state.
func (rt *Runtime[S]) SupervisorState(id string) (supervisor.State, error) {
	a, err := rt.lookup(id)
	if err != nil {
		return "", err
	}
	return a.sup.State(), nil
}

// ListActors returns the ids of every active actor in lexical order.
func (rt *Runtime[S]) ListActors() []string {
	rt.mu.RLock()
	ids := make([]string, 0, len(rt.actors))
	for id := range rt.actors {
		ids = append(ids, id)
	}
	rt.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// SendActivity enqueues act for the actor. A missing activity id or timestamp
// is filled in. The error is a *NotFoundError, a *TerminatedError, a
// *BackpressureError or ctx.Err().
func (rt *Runtime[S]) SendActivity(ctx context.Context, id string, act Activity, opts ...SendOption) (*Receipt, error) {
	rt.mu.RLock()
	a, ok := rt.actors[id]
	_, tombstoned := rt.tombstones[id]
	rt.mu.RUnlock()
	if !ok {
		if tombstoned {
			return nil, &TerminatedError{ID: id}
		}
		return nil, &NotFoundError{ID: id}
	}

	for _, opt := range opts {
		opt(&act)
	}
	if act.ID == "" {
		act.ID = rt.ids.NewID()
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = rt.now()
	}

	receipt := newReceipt(act.ID)
	entry, err := a.mb.Enqueue(ctx, act, receipt)
	if err != nil {
		switch {
		case errors.Is(err, mailbox.ErrClosed):
			return nil, &TerminatedError{ID: id}
		case errors.Is(err, mailbox.ErrBackpressure):
			rt.metrics.BackpressureRejected(laneOf(err, act).String())
			logx.Debug(ctx, "runtime", "actor %s rejected activity %s: %v", id, act.ID, err)
		}
		return nil, err //nolint:wrapcheck // Mailbox errors are part of the contract
	}
	rt.metrics.ActivityEnqueued(entry.Lane.String())
	return receipt, nil
}

// SubscribeToActor streams the actor's state snapshots, starting with the
// current one. The sequence ends when ctx is done, the consumer stops or the
// actor is terminated.
func (rt *Runtime[S]) SubscribeToActor(ctx context.Context, id string) (iter.Seq[effector.Event[S]], error) {
	if _, err := rt.lookup(id); err != nil {
		return nil, err
	}
	return rt.effector.Events(ctx, id), nil
}

// Subscribe is the channel form of SubscribeToActor.
func (rt *Runtime[S]) Subscribe(ctx context.Context, id string) (*effector.Subscription[S], error) {
	if _, err := rt.lookup(id); err != nil {
		return nil, err
	}
	sub, err := rt.effector.Subscribe(ctx, id)
	if err != nil {
		return nil, &NotFoundError{ID: id}
	}
	return sub, nil
}

// PauseActor stops the actor from starting new activities. Queued activities
// stay queued and an activity already running finishes.
func (rt *Runtime[S]) PauseActor(id string) error {
	return rt.fire(id, supervisor.EventPause)
}

// ResumeActor lets a paused actor drain again.
func (rt *Runtime[S]) ResumeActor(id string) error {
	return rt.fire(id, supervisor.EventResume)
}

// TerminateActor stops the actor. Queued activities resolve with ErrDiscarded,
// subscriptions end and the id is tombstoned. Terminating an unknown or
// already terminated actor is a no-op.
func (rt *Runtime[S]) TerminateActor(id string) error {
	rt.mu.Lock()
	a, ok := rt.actors[id]
	if !ok {
		rt.mu.Unlock()
		return nil
	}
	now := rt.now()
	rt.detach(a, now)
	rt.mu.Unlock()

	rt.teardown(a)
	return nil
}

// Shutdown terminates every actor and waits for their drain loops to stop or
// ctx to be done.
func (rt *Runtime[S]) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	rt.closed = true
	now := rt.now()
	victims := make([]*actor[S], 0, len(rt.actors))
	for _, a := range rt.actors {
		victims = append(victims, a)
	}
	for _, a := range victims {
		rt.detach(a, now)
	}
	rt.mu.Unlock()

	for _, a := range victims {
		rt.teardown(a)
	}
	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rt.logger.Info("runtime stopped, %d actors terminated", len(victims))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runtime shutdown: %w", ctx.Err())
	}
}

// detach removes a from the registry and drops its state. It must be called
// with rt.mu held so the id is free for CreateActor as soon as mu is released.
func (rt *Runtime[S]) detach(a *actor[S], at time.Time) {
	delete(rt.actors, a.id)
	rt.bury(a.id)
	a.terminate(at)
	rt.effector.Remove(a.id)
	rt.metrics.ActorTerminated()
}

// teardown stops a detached actor: queued activities are discarded and the
// drain loop is cancelled.
func (rt *Runtime[S]) teardown(a *actor[S]) {
	_, _ = a.sup.Fire(supervisor.EventTerminate)

	discarded := a.mb.Close()
	for _, e := range discarded {
		rt.emit(Record{Kind: RecordActivityDiscarded, ActorID: a.id, ActivityID: e.Activity.ID})
		if r, ok := e.Reply.(*Receipt); ok {
			r.resolve(nil, processor.ErrDiscarded)
		}
	}
	a.cancel()

	rt.emit(Record{Kind: RecordActorTerminated, ActorID: a.id})
	rt.logger.WithActorID(a.id).Info("actor terminated, %d queued activities discarded", len(discarded))
}

func (rt *Runtime[S]) bury(id string) {
	if el, ok := rt.tombstones[id]; ok {
		rt.tombOrder.MoveToBack(el)
		return
	}
	rt.tombstones[id] = rt.tombOrder.PushBack(id)
	for rt.tombOrder.Len() > rt.tombLimit {
		oldest := rt.tombOrder.Front()
		delete(rt.tombstones, rt.tombOrder.Remove(oldest).(string))
	}
}

func (rt *Runtime[S]) unbury(id string) {
	if el, ok := rt.tombstones[id]; ok {
		rt.tombOrder.Remove(el)
		delete(rt.tombstones, id)
	}
}

func (rt *Runtime[S]) fire(id string, e supervisor.Event) error {
	a, err := rt.lookup(id)
	if err != nil {
		return err
	}
	if _, err := a.sup.Fire(e); err != nil {
		return fmt.Errorf("actor %s: %w", id, err)
	}
	return nil
}

func (rt *Runtime[S]) lookup(id string) (*actor[S], error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if a, ok := rt.actors[id]; ok {
		return a, nil
	}
	return nil, &NotFoundError{ID: id}
}

func (rt *Runtime[S]) view(a *actor[S], snap effector.Snapshot[S]) Actor[S] {
	a.mu.Lock()
	status, terminatedAt := StatusActive, a.terminatedAt
	if a.terminated {
		status = StatusTerminated
	}
	a.mu.Unlock()
	pq, nq := a.mb.Len()
	return Actor[S]{
		ID:             a.id,
		State:          snap.State,
		Version:        snap.Version,
		Status:         status,
		Supervisor:     a.sup.State(),
		Permissions:    a.perms,
		Failures:       snap.Failures,
		Transitions:    a.sup.History(),
		PriorityQueued: pq,
		NormalQueued:   nq,
		CreatedAt:      a.createdAt,
		TerminatedAt:   terminatedAt,
	}
}

func (rt *Runtime[S]) transitionListener(id string) func(supervisor.Change) {
	return func(c supervisor.Change) {
		rt.metrics.SupervisorTransition(string(c.From), string(c.To))
		rt.emit(Record{Kind: RecordTransition, ActorID: id, From: string(c.From), To: string(c.To), Time: c.Timestamp})
		logx.DebugState(logx.ContextWithActorID(context.Background(), id), "supervisor", string(c.From), string(c.To))
	}
}

func (rt *Runtime[S]) emit(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = rt.now()
	}
	rt.sink.Emit(rec)
}

func laneOf(err error, act Activity) mailbox.Lane {
	var bp *mailbox.BackpressureError
	if errors.As(err, &bp) {
		return bp.Lane
	}
	if act.Priority {
		return mailbox.LanePriority
	}
	return mailbox.LaneNormal
}
