// Package resilience provides the Orchestrator, which wraps an arbitrary operation
// with rate limiting, circuit breaking, retry and per-attempt timeouts.
//
// Stages are composed outside-in as:
//
//	rate limit (optional) → circuit breaker (optional) → retry → timeout → operation
//
// The breaker is consulted before every attempt so each failed attempt counts
// towards its threshold and no retry is issued once it has opened.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentruntime/pkg/logx"
	"agentruntime/pkg/metrics"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/resilience/circuit"
	"agentruntime/pkg/resilience/ratelimit"
	"agentruntime/pkg/resilience/retry"
	"agentruntime/pkg/resilience/timeout"
)

// Call describes the attempt handed to an operation.
type Call struct {
	Name        string
	Attempt     int // 1-based
	Permissions permission.Set
}

// Operation is the unit of work guarded by the Orchestrator.
type Operation[T any] func(ctx context.Context, call Call) (T, error)

// CallOption customizes a single execution.
type CallOption func(*callSettings)

type callSettings struct {
	policy      *Policy
	permissions permission.Set
	required    []string
}

// WithPolicy overrides the Orchestrator's default policy for one call. A breaker
// created for a name keeps the threshold and reset timeout it was created with.
func WithPolicy(p Policy) CallOption {
	return func(s *callSettings) { s.policy = &p }
}

// WithPermissions passes the caller's permissions through to the operation.
func WithPermissions(set permission.Set) CallOption {
	return func(s *callSettings) { s.permissions = set }
}

// RequirePermission rejects the call with permission.ErrDenied before any stage
// runs unless every perm is granted by the call's permission set.
func RequirePermission(perms ...string) CallOption {
	return func(s *callSettings) { s.required = append(s.required, perms...) }
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithClock overrides the time source used by circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator holds one circuit breaker and one rate limiter per operation name.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Orchestrator struct {
	policy  Policy
	metrics metrics.Recorder
	logger  *logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	limiters map[string]*ratelimit.TokenBucketLimiter

	ctx    context.Context //nolint:containedctx // Required for refill timer lifecycle management
	cancel context.CancelFunc
}

// New validates policy and returns an Orchestrator using it by default.
func New(policy Policy, opts ...Option) (*Orchestrator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		policy:   policy,
		metrics:  metrics.Nop(),
		logger:   logx.NewLogger("orchestrator"),
		now:      time.Now,
		breakers: make(map[string]*circuit.Breaker),
		limiters: make(map[string]*ratelimit.TokenBucketLimiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Close stops rate limiter refill timers.
func (o *Orchestrator) Close() {
	o.cancel()
}

// Policy returns the default policy.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// BreakerState returns the breaker snapshot for name, if one has been created.
func (o *Orchestrator) BreakerState(name string) (circuit.Snapshot, bool) {
	o.mu.Lock()
	b, ok := o.breakers[name]
	o.mu.Unlock()
	if !ok {
		return circuit.Snapshot{State: circuit.Closed}, false
	}
	return b.Snapshot(), true
}

// ResetBreaker forces the breaker for name back to Closed.
func (o *Orchestrator) ResetBreaker(name string) {
	o.mu.Lock()
	b, ok := o.breakers[name]
	o.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// Do executes an operation that produces no value.
func (o *Orchestrator) Do(ctx context.Context, name string, op func(context.Context, Call) error, opts ...CallOption) error {
	_, err := Execute(ctx, o, name, func(ctx context.Context, c Call) (struct{}, error) {
		return struct{}{}, op(ctx, c)
	}, opts...)
	return err
}

// Execute runs op under the Orchestrator's stages.
//
// With retries disabled the attempt error is returned as is (a *TimeoutError or
// the operation's own error). Otherwise a *RetriesExhaustedError wraps the last
// attempt error. A *CircuitOpenError is returned when the breaker refuses an
// attempt, wrapping the previous attempt error if there was one.
func Execute[T any](ctx context.Context, o *Orchestrator, name string, op Operation[T], opts ...CallOption) (T, error) {
	var zero T

	settings := callSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	policy := o.policy
	if settings.policy != nil {
		policy = *settings.policy
	}
	if name == "" {
		return zero, &ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if op == nil {
		return zero, &ConfigError{Field: "operation", Reason: "must not be nil"}
	}
	if err := policy.Validate(); err != nil {
		return zero, err
	}

	start := time.Now()
	attempts := 0
	finish := func(err error) {
		o.metrics.OrchestratorCall(name, outcomeOf(err), attempts, time.Since(start))
	}

	if err := settings.permissions.Require(name, settings.required...); err != nil {
		finish(err)
		return zero, err
	}

	if policy.RateLimit != nil {
		release, err := o.limiter(name, *policy.RateLimit).Acquire(ctx, name)
		if err != nil {
			err = fmt.Errorf("%s: rate limit: %w", name, err)
			finish(err)
			return zero, err
		}
		defer release()
	}

	var breaker *circuit.Breaker
	if policy.CircuitBreakerEnabled {
		breaker = o.breaker(name, policy)
	}
	rp := policy.retryPolicy()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := rp.CalculateDelay(attempt - 1)
			logx.Debug(ctx, "orchestrator", "%s: retry %d after %v: %v", name, attempt-1, delay, lastErr)
			if err := retry.Sleep(ctx, delay); err != nil {
				err = fmt.Errorf("%s: retry cancelled: %w", name, err)
				finish(err)
				return zero, err
			}
		}

		var permit circuit.Permit
		if breaker != nil {
			p, err := breaker.Allow()
			if err != nil {
				var cbErr *circuit.Error
				state := circuit.Open
				if errors.As(err, &cbErr) {
					state = cbErr.State
				}
				openErr := &CircuitOpenError{Operation: name, State: state, Cause: lastErr}
				finish(openErr)
				return zero, openErr
			}
			permit = p
		}

		attempts++
		call := Call{Name: name, Attempt: attempt, Permissions: settings.permissions}
		val, err := timeout.Run(ctx, policy.Timeout, func(ctx context.Context) (T, error) {
			return op(ctx, call)
		})

		var tErr *timeout.Error
		if errors.As(err, &tErr) {
			err = &TimeoutError{Operation: name, Attempt: attempt, After: tErr.After}
		}

		// Caller cancellation says nothing about the operation's health.
		if err != nil && ctx.Err() != nil {
			if breaker != nil {
				breaker.Cancel(permit)
			}
			finish(err)
			return zero, err
		}

		if breaker != nil {
			breaker.Record(permit, err == nil)
		}
		if err == nil {
			finish(nil)
			return val, nil
		}

		lastErr = err
		if !rp.ShouldRetry(err) {
			finish(err)
			return zero, err
		}
	}

	if policy.MaxRetries == 0 {
		finish(lastErr)
		return zero, lastErr
	}
	exhausted := &RetriesExhaustedError{Operation: name, Attempts: attempts, Cause: lastErr}
	o.logger.Warn("%s", exhausted.Error())
	finish(exhausted)
	return zero, exhausted
}

func (o *Orchestrator) breaker(name string, policy Policy) *circuit.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b, ok := o.breakers[name]; ok {
		return b
	}
	b := circuit.New(policy.breakerConfig(),
		circuit.WithClock(o.now),
		circuit.WithStateListener(func(from, to circuit.State) {
			o.logger.Info("circuit %s: %s -> %s", name, from, to)
			o.metrics.CircuitState(name, int(to))
		}),
	)
	o.breakers[name] = b
	o.metrics.CircuitState(name, int(circuit.Closed))
	return b
}

func (o *Orchestrator) limiter(name string, cfg ratelimit.Config) *ratelimit.TokenBucketLimiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.limiters[name]; ok {
		return l
	}
	l := ratelimit.NewTokenBucketLimiter(name, cfg)
	l.Start(o.ctx)
	o.limiters[name] = l
	return l
}

// LimiterStats returns statistics for every rate limiter created so far.
func (o *Orchestrator) LimiterStats() map[string]ratelimit.LimiterStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := make(map[string]ratelimit.LimiterStats, len(o.limiters))
	for name, l := range o.limiters {
		stats[name] = l.GetStats()
	}
	return stats
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, permission.ErrDenied):
		return metrics.OutcomeDenied
	case errors.Is(err, ErrCircuitOpen):
		return metrics.OutcomeCircuitOpen
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailed
	}
}
