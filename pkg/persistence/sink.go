package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentruntime/pkg/logx"
	"agentruntime/pkg/runtime"
)

// DefaultQueueSize is the number of records queued before Emit drops.
const DefaultQueueSize = 1024

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("persistence: sink closed")

// Sink is a runtime.Sink that inserts records from a single worker goroutine.
type Sink struct {
	db      *sql.DB
	ownsDB  bool
	logger  *logx.Logger
	queue   chan runtime.Record
	flushes chan chan error
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// NewSink opens the database at path and starts the worker.
func NewSink(path string, queueSize int) (*Sink, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSinkWithDB(db, queueSize)
	s.ownsDB = true
	return s, nil
}

// NewSinkWithDB starts a worker writing to an already opened database. The
// caller keeps ownership of db.
func NewSinkWithDB(db *sql.DB, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sink{
		db:      db,
		logger:  logx.NewLogger("persistence"),
		queue:   make(chan runtime.Record, queueSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

// Emit queues rec without blocking. Records are dropped when the queue is full
// or the sink is closed.
func (s *Sink) Emit(rec runtime.Record) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records never queued.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Failed returns the number of records whose insert failed.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// Flush blocks until every record queued before the call has been inserted.
// It returns the last insert error seen since the previous flush.
func (s *Sink) Flush() error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	ack := make(chan error, 1)
	s.flushes <- ack
	s.closeMu.RUnlock()
	return <-ack
}

// Close inserts what is queued and stops the worker. It closes the database
// only if the sink opened it.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()
	})
	<-s.done
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		s.ownsDB = false
	}
	return nil
}

func (s *Sink) worker() {
	defer close(s.done)
	var lastErr error
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.insert(rec); err != nil {
				lastErr = err
			}
		case ack := <-s.flushes:
			for drained := false; !drained; {
				select {
				case rec, ok := <-s.queue:
					if !ok {
						drained = true
					} else if err := s.insert(rec); err != nil {
						lastErr = err
					}
				default:
					drained = true
				}
			}
			ack <- lastErr
			lastErr = nil
		}
	}
}

func (s *Sink) insert(rec runtime.Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	var data sql.NullString
	if rec.Data != nil {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			s.failed.Add(1)
			return fmt.Errorf("failed to encode record data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO runtime_events
			(kind, actor_id, activity_id, version, from_state, to_state, attempts, error, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.ActorID, nullString(rec.ActivityID), int64(rec.Version),
		nullString(rec.From), nullString(rec.To), rec.Attempts, nullString(rec.Error),
		data, rec.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("failed to insert %s record for %s: %v", rec.Kind, rec.ActorID, err)
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	ActorID string
	Kind    runtime.RecordKind
	Limit   int
}

// StoredRecord is a record read back from the database. Record.Data stays nil;
// the payload is returned undecoded in RawData.
type StoredRecord struct {
	runtime.Record
	Seq     int64
	RawData json.RawMessage
}

// Query returns stored records in insertion order.
func Query(ctx context.Context, db *sql.DB, f Filter) ([]StoredRecord, error) {
	query := `SELECT id, kind, actor_id, activity_id, version, from_state, to_state, attempts, error, data, created_at
		FROM runtime_events WHERE 1=1`
	var args []any
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			rec                                StoredRecord
			kind, createdAt                    string
			activityID, from, to, errMsg, data sql.NullString
			version, attempts                  sql.NullInt64
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.ActorID, &activityID, &version, &from, &to,
			&attempts, &errMsg, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("database scan error: %w", err)
		}
		rec.Kind = runtime.RecordKind(kind)
		rec.ActivityID = activityID.String
		rec.Version = uint64(version.Int64)
		rec.From, rec.To = from.String, to.String
		rec.Attempts = int(attempts.Int64)
		rec.Error = errMsg.String
		if data.Valid {
			rec.RawData = json.RawMessage(data.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.Time = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database rows error: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
