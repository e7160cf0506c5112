// Package processor drains actor mailboxes under a runtime-wide concurrency cap.
//
// Every activity acquires one slot of a shared semaphore before its first
// attempt and holds it through retries. Attempts run under a deadline; the
// processor waits for the workflow to return so the slot count stays exact, and
// an attempt that outlives its deadline counts as failed whatever it returns.
package processor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"agentruntime/pkg/config"
	"agentruntime/pkg/logx"
	"agentruntime/pkg/mailbox"
	"agentruntime/pkg/metrics"
	"agentruntime/pkg/resilience/retry"
)

// Config bounds activity execution.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration
	Timeout       time.Duration
	// Retryable decides whether a failed attempt is tried again. Nil uses
	// retry.ShouldRetry, which gives up on permission denials at once.
	Retryable retry.Classifier
}

// ConfigFrom converts the processing section of the runtime configuration.
func ConfigFrom(c config.ProcessingConfig) Config {
	return Config{
		MaxConcurrent: c.MaxConcurrent,
		MaxRetries:    c.Retries(),
		RetryDelay:    c.Delay(),
		Timeout:       c.Deadline(),
	}
}

// Handler adapts one actor to the processor.
type Handler interface {
	// Ready blocks until the actor accepts work. An error stops the drain loop.
	Ready(ctx context.Context) error
	// Begin marks entry as started. ErrNotReady sends the processor back to Ready.
	Begin(entry mailbox.Entry) error
	// Attempt runs one invocation of the actor's workflow.
	Attempt(ctx context.Context, entry mailbox.Entry, attempt int) (any, error)
	// Finish receives the final outcome. err is nil, ErrDiscarded or a *ProcessingError.
	Finish(entry mailbox.Entry, result any, err error)
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(p *Processor) {
		if rec != nil {
			p.metrics = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// Processor is shared by every actor of a runtime.
type Processor struct {
	cfg      Config
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	metrics  metrics.Recorder
	logger   *logx.Logger
}

// New creates a processor. A non-positive MaxConcurrent falls back to the default.
func New(cfg Config, opts ...Option) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Retryable == nil {
		cfg.Retryable = retry.ShouldRetry
	}
	p := &Processor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: metrics.Nop(),
		logger:  logx.NewLogger("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the processor configuration.
func (p *Processor) Config() Config { return p.cfg }

// InFlight returns the number of activities currently holding a slot.
func (p *Processor) InFlight() int { return int(p.inFlight.Load()) }

// Run drains mb until ctx is done, the mailbox is closed or h.Ready fails.
// It is the single consumer of mb.
func (p *Processor) Run(ctx context.Context, actorID string, mb *mailbox.Mailbox, h Handler) {
	log := p.logger.WithActorID(actorID)
	ctx = logx.ContextWithActorID(ctx, actorID)

	for {
		if err := mb.Wait(ctx); err != nil {
			if !errors.Is(err, mailbox.ErrClosed) && ctx.Err() == nil {
				log.Error("mailbox wait failed: %v", err)
			}
			return
		}
		// Entries stay queued while the actor is not ready, so a priority
		// activity sent meanwhile is still served first.
		if err := h.Ready(ctx); err != nil {
			logx.Debug(ctx, "processor", "drain loop stopping: %v", err)
			return
		}
		entry, ok := mb.TryDequeue()
		if !ok {
			continue
		}
		p.Process(ctx, actorID, entry, h)
	}
}

// Process runs one entry to completion and reports the outcome through h.Finish.
// Cancelling ctx lets a running attempt finish but stops further attempts; the
// entry is then finished with ErrDiscarded.
func (p *Processor) Process(ctx context.Context, actorID string, entry mailbox.Entry, h Handler) {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.discard(entry, h, 0, time.Time{})
			return
		}
		err := h.Begin(entry)
		if err == nil {
			break
		}
		p.sem.Release(1)
		if !errors.Is(err, ErrNotReady) {
			h.Finish(entry, nil, err)
			return
		}
		if err := h.Ready(ctx); err != nil {
			p.discard(entry, h, 0, time.Time{})
			return
		}
	}

	p.inFlight.Add(1)
	p.metrics.ActivityStarted()
	start := time.Now()
	defer func() {
		p.inFlight.Add(-1)
		p.metrics.ActivityFinished()
		p.sem.Release(1)
	}()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, p.cfg.RetryDelay); err != nil {
				p.discard(entry, h, attempts, start)
				return
			}
		}

		attempts++
		result, err := p.attempt(ctx, entry, attempt, h)
		if ctx.Err() != nil {
			p.discard(entry, h, attempts, start)
			return
		}
		if err == nil {
			p.metrics.ActivityProcessed(metrics.OutcomeSuccess, attempts, time.Since(start))
			h.Finish(entry, result, nil)
			return
		}

		lastErr = err
		logx.Debug(ctx, "processor", "activity %s attempt %d failed: %v", entry.Activity.ID, attempt, err)
		if !p.cfg.Retryable(err) {
			break
		}
	}

	perr := &ProcessingError{ActorID: actorID, ActivityID: entry.Activity.ID, Attempts: attempts, Cause: lastErr}
	p.logger.WithActorID(actorID).Warn("%s", perr.Error())
	p.metrics.ActivityProcessed(metrics.OutcomeFailed, attempts, time.Since(start))
	h.Finish(entry, nil, perr)
}

// attempt runs h.Attempt detached from ctx cancellation, under the attempt deadline.
func (p *Processor) attempt(ctx context.Context, entry mailbox.Entry, n int, h Handler) (result any, err error) {
	attemptCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, p.cfg.Timeout)
	}
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		result, err = h.Attempt(attemptCtx, entry, n)
	}()

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, &AttemptTimeoutError{Attempt: n, After: p.cfg.Timeout, Cause: err}
	}
	return result, err
}

func (p *Processor) discard(entry mailbox.Entry, h Handler, attempts int, start time.Time) {
	if !start.IsZero() {
		p.metrics.ActivityProcessed(metrics.OutcomeDiscarded, attempts, time.Since(start))
	}
	h.Finish(entry, nil, ErrDiscarded)
}
