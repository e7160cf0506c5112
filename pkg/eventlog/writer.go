// Package eventlog writes runtime records to daily rotated JSONL files.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"agentruntime/pkg/logx"
	"agentruntime/pkg/runtime"
)

// DefaultBufferSize is the number of records queued before Emit drops.
const DefaultBufferSize = 1024

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("eventlog: writer closed")

// Option configures a Writer.
type Option func(*Writer)

// WithBufferSize sets the record queue length.
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithClock overrides the time source used for rotation.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// Writer is a runtime.Sink. Emit never blocks: records are queued for a
// background goroutine and dropped when the queue is full.
type Writer struct {
	logDir     string
	bufferSize int
	now        func() time.Time
	logger     *logx.Logger

	records chan runtime.Record
	flushes chan chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	// Owned by the run goroutine; mu only guards reads from CurrentFile.
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	writeErr    error
}

// NewWriter creates logDir if needed and starts the background writer.
func NewWriter(logDir string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &Writer{
		logDir:     logDir,
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		logger:     logx.NewLogger("eventlog"),
		flushes:    make(chan chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.records = make(chan runtime.Record, w.bufferSize)

	if err := w.rotateIfNeeded(w.now()); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}

	go w.run()
	return w, nil
}

// Emit queues rec. After Close, or when the queue is full, rec is dropped.
func (w *Writer) Emit(rec runtime.Record) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.records <- rec:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded so far.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Flush blocks until every record queued before the call is written and synced.
func (w *Writer) Flush() error {
	w.closeMu.RLock()
	if w.closed {
		w.closeMu.RUnlock()
		return ErrClosed
	}
	ack := make(chan struct{})
	w.flushes <- ack
	w.closeMu.RUnlock()
	<-ack

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

// Close writes what is queued, then closes the current file.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.records)
		w.closeMu.Unlock()
	})
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentFile returns the path of the active log file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				w.sync()
				return
			}
			w.write(rec)
			if len(w.records) == 0 {
				w.sync()
			}
		case ack := <-w.flushes:
			w.drain()
			w.sync()
			close(ack)
		}
	}
}

// drain writes records already queued without blocking.
func (w *Writer) drain() {
	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				return
			}
			w.write(rec)
		default:
			return
		}
	}
}

func (w *Writer) write(rec runtime.Record) {
	if rec.Time.IsZero() {
		rec.Time = w.now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		w.fail(fmt.Errorf("failed to serialize record: %w", err))
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.now()); err != nil {
		w.failLocked(fmt.Errorf("failed to rotate log file: %w", err))
		return
	}
	if _, err := w.currentFile.Write(line); err != nil {
		w.failLocked(fmt.Errorf("failed to write record: %w", err))
	}
}

func (w *Writer) sync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return
	}
	if err := w.currentFile.Sync(); err != nil {
		w.failLocked(fmt.Errorf("failed to sync file: %w", err))
	}
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failLocked(err)
}

func (w *Writer) failLocked(err error) {
	w.writeErr = err
	w.logger.Warn("%v", err)
}

func (w *Writer) rotateIfNeeded(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(now)
}

func (w *Writer) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}

	path := filepath.Join(w.logDir, fileName(date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// ReadRecords parses every record of a log file.
func ReadRecords(path string) ([]runtime.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer f.Close()

	var records []runtime.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec runtime.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record on line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return records, nil
}

// ListLogFiles returns every event log file in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
