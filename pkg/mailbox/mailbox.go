// Package mailbox implements the bounded dual-lane queue that buffers activities
// for one actor. Many producers may enqueue concurrently; one consumer drains it.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentruntime/pkg/config"
)

var (
	// ErrBackpressure is matched by every *BackpressureError.
	ErrBackpressure = errors.New("mailbox backpressure")

	// ErrClosed is returned by operations on a closed mailbox.
	ErrClosed = errors.New("mailbox closed")
)

// Lane identifies one of the two queues.
type Lane int

// Lanes.
const (
	LaneNormal Lane = iota
	LanePriority
)

func (l Lane) String() string {
	if l == LanePriority {
		return "priority"
	}
	return "normal"
}

// BackpressureError reports a lane that stayed full.
type BackpressureError struct {
	Lane     Lane
	Capacity int
	Waited   time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("mailbox %s lane full (capacity %d, waited %v)", e.Lane, e.Capacity, e.Waited)
}

// Is makes errors.Is(err, ErrBackpressure) match.
func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressure }

// Activity is a unit of work for an actor. It is not modified after enqueue.
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Priority  bool      `json:"priority,omitempty"`
}

// Entry is a queued activity.
type Entry struct {
	Activity   Activity
	EnqueuedAt time.Time
	Lane       Lane
	// Reply is carried unchanged from producer to consumer.
	Reply any
}

// Config sizes a mailbox.
type Config struct {
	Size                int
	PriorityQueueSize   int
	Prioritization      bool
	BackpressureTimeout time.Duration
	// FairnessQuota is the number of consecutive priority dequeues after which one
	// pending normal entry is served.
	FairnessQuota int
}

// ConfigFrom converts the mailbox section of the runtime configuration.
func ConfigFrom(c config.MailboxConfig) Config {
	return Config{
		Size:                c.Size,
		PriorityQueueSize:   c.PriorityQueueSize,
		Prioritization:      c.PrioritizationEnabled(),
		BackpressureTimeout: c.BackpressureWait(),
		FairnessQuota:       c.FairnessQuota,
	}
}

// Mailbox is safe for concurrent producers and a single consumer.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Mailbox struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	priority []Entry
	normal   []Entry
	streak   int // consecutive priority dequeues
	closed   bool
	// changed is closed and replaced on every enqueue, dequeue and close.
	changed chan struct{}
}

// New creates an empty mailbox. Non-positive sizes fall back to the config defaults.
func New(cfg Config) *Mailbox {
	if cfg.Size <= 0 {
		cfg.Size = config.DefaultMailboxSize
	}
	if cfg.PriorityQueueSize <= 0 {
		cfg.PriorityQueueSize = config.DefaultPriorityQueueSize
	}
	if cfg.FairnessQuota <= 0 {
		cfg.FairnessQuota = config.DefaultFairnessQuota
	}
	return &Mailbox{
		cfg:     cfg,
		now:     time.Now,
		changed: make(chan struct{}),
	}
}

// Enqueue adds act to its lane. A full priority lane fails immediately. A full
// normal lane waits up to the backpressure timeout, or until ctx is done.
// With prioritization disabled every activity goes to the normal lane.
func (m *Mailbox) Enqueue(ctx context.Context, act Activity, reply any) (Entry, error) {
	lane := LaneNormal
	if act.Priority && m.cfg.Prioritization {
		lane = LanePriority
	}

	start := m.now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Entry{}, ErrClosed
		}

		queue, capacity := m.lane(lane)
		if len(*queue) < capacity {
			e := Entry{Activity: act, EnqueuedAt: m.now(), Lane: lane, Reply: reply}
			*queue = append(*queue, e)
			m.signal()
			m.mu.Unlock()
			return e, nil
		}

		if lane == LanePriority || m.cfg.BackpressureTimeout <= 0 {
			m.mu.Unlock()
			return Entry{}, &BackpressureError{Lane: lane, Capacity: capacity}
		}
		ch := m.changed
		m.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(m.cfg.BackpressureTimeout)
		}
		select {
		case <-ch:
		case <-timer.C:
			return Entry{}, &BackpressureError{Lane: lane, Capacity: capacity, Waited: m.now().Sub(start)}
		case <-ctx.Done():
			return Entry{}, fmt.Errorf("enqueue cancelled: %w", ctx.Err())
		}
	}
}

// Wait blocks until an entry is queued, the mailbox is closed (ErrClosed) or
// ctx is done. It does not remove the entry.
func (m *Mailbox) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if len(m.priority)+len(m.normal) > 0 {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // Context error propagated as-is
		}
	}
}

// TryDequeue returns the next entry without blocking.
func (m *Mailbox) TryDequeue() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false
	}
	e, ok := m.pop()
	if ok {
		m.signal()
	}
	return e, ok
}

// Len returns the number of queued entries per lane.
func (m *Mailbox) Len() (priority, normal int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.priority), len(m.normal)
}

// Close rejects further enqueues, wakes blocked producers and the consumer, and
// returns the entries that were still queued, priority lane first.
// Subsequent calls return nil.
func (m *Mailbox) Close() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	discarded := make([]Entry, 0, len(m.priority)+len(m.normal))
	discarded = append(discarded, m.priority...)
	discarded = append(discarded, m.normal...)
	m.priority, m.normal = nil, nil
	m.signal()
	return discarded
}

// pop must be called with mu held.
func (m *Mailbox) pop() (Entry, bool) {
	servePriority := len(m.priority) > 0 && (m.streak < m.cfg.FairnessQuota || len(m.normal) == 0)
	if servePriority {
		e := m.priority[0]
		m.priority[0] = Entry{}
		m.priority = m.priority[1:]
		m.streak++
		return e, true
	}
	if len(m.normal) > 0 {
		e := m.normal[0]
		m.normal[0] = Entry{}
		m.normal = m.normal[1:]
		m.streak = 0
		return e, true
	}
	return Entry{}, false
}

func (m *Mailbox) lane(l Lane) (*[]Entry, int) {
	if l == LanePriority {
		return &m.priority, m.cfg.PriorityQueueSize
	}
	return &m.normal, m.cfg.Size
}

// signal must be called with mu held.
func (m *Mailbox) signal() {
	close(m.changed)
	m.changed = make(chan struct{})
}
