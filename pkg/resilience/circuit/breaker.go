// Package circuit provides a per-operation circuit breaker with a single half-open probe.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current phase of a circuit breaker.
type State int

// Circuit breaker phases.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // One probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	ResetTimeout     time.Duration `json:"reset_timeout"`     // Time in Open before a probe is allowed
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
}

// Error is returned by Allow when a call is rejected.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at"`
}

// Permit is handed out by Allow and must be passed back to Record.
// Results recorded with a permit issued before the last phase change are ignored.
type Permit struct {
	gen   uint64
	probe bool
}

// Probe reports whether the permit is the half-open trial call.
func (p Permit) Probe() bool { return p.probe }

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateListener registers fn to be called, outside the lock, on every phase change.
func WithStateListener(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one operation name.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config   Config
	now      func() time.Time
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	gen      uint64
}

// New creates a new circuit breaker with the given configuration.
func New(config Config, opts ...Option) *Breaker {
	b := &Breaker{
		config: config,
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow checks whether a call may proceed. In Open it fails fast until the reset
// timeout has elapsed, then grants exactly one probe; every other call arriving
// before the probe resolves is rejected.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()

	switch b.state {
	case Closed:
		p := Permit{gen: b.gen}
		b.mu.Unlock()
		return p, nil

	case Open:
		if b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
			from := b.setState(HalfOpen)
			p := Permit{gen: b.gen, probe: true}
			b.mu.Unlock()
			b.notify(from, HalfOpen)
			return p, nil
		}
		b.mu.Unlock()
		return Permit{}, &Error{State: Open}

	default:
		b.mu.Unlock()
		return Permit{}, &Error{State: HalfOpen}
	}
}

// Record records the outcome of a call admitted by p.
func (b *Breaker) Record(p Permit, success bool) {
	b.mu.Lock()

	if p.gen != b.gen {
		b.mu.Unlock()
		return
	}

	from, to := b.state, b.state
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.setState(Open)
			to = Open
		}

	case HalfOpen:
		if !p.probe {
			break
		}
		if success {
			b.failures = 0
			b.setState(Closed)
			to = Closed
		} else {
			b.failures++
			b.openedAt = b.now()
			b.setState(Open)
			to = Open
		}
	}
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Cancel returns a permit whose call never produced a verdict, for example because
// the caller gave up. A cancelled probe hands the breaker back to Open with its
// original openedAt so the next caller may probe immediately.
func (b *Breaker) Cancel(p Permit) {
	b.mu.Lock()
	if !p.probe || p.gen != b.gen || b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.setState(Open)
	b.mu.Unlock()
	b.notify(HalfOpen, Open)
}

// State returns the current phase.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns the current phase and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, ConsecutiveFailures: b.failures, OpenedAt: b.openedAt}
}

// Reset manually resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setState(Closed)
	b.failures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

// setState must be called with mu held. It bumps the permit generation.
func (b *Breaker) setState(to State) State {
	from := b.state
	b.state = to
	b.gen++
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
