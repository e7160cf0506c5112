package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// setupTestLogger redirects output into a buffer for the duration of the test.
func setupTestLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger(t)

	logger := NewLogger("runtime")
	logger.Info("Created actor %s", "a-1")

	output := buf.String()
	if !strings.Contains(output, "[runtime]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Created actor a-1") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
}

func TestWithActorID(t *testing.T) {
	buf := setupTestLogger(t)

	logger := NewLogger("processor").WithActorID("worker-7")
	if logger.ActorID() != "worker-7" {
		t.Fatalf("Expected actor ID worker-7, got %q", logger.ActorID())
	}
	if logger.Component() != "processor" {
		t.Fatalf("Expected component processor, got %q", logger.Component())
	}

	logger.Warn("slow activity")
	if !strings.Contains(buf.String(), "[processor/worker-7] WARN: slow activity") {
		t.Errorf("Unexpected output: %s", buf.String())
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger(t)
	t.Cleanup(func() { SetDebug(false) })

	SetDebug(false)
	Debug(context.Background(), "mailbox", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("Expected no output with debug disabled, got: %s", buf.String())
	}

	SetDebug(true, "circuit")
	Debug(context.Background(), "mailbox", "still hidden")
	if buf.Len() != 0 {
		t.Fatalf("Expected mailbox domain to be filtered, got: %s", buf.String())
	}

	ctx := ContextWithActorID(context.Background(), "a-9")
	Debug(ctx, "circuit", "breaker %s", "opened")
	out := buf.String()
	if !strings.Contains(out, "[debug/a-9] DEBUG: [circuit] breaker opened") {
		t.Errorf("Unexpected debug output: %s", out)
	}
}

func TestRecentEntriesFilter(t *testing.T) {
	setupTestLogger(t)

	start := time.Now().Add(-time.Second)
	NewLogger("runtime").WithActorID("filter-me").Info("one")
	NewLogger("runtime").WithActorID("other").Info("two")

	entries := GetRecentLogEntries("filter-me", start)
	if len(entries) == 0 {
		t.Fatal("Expected at least one entry for filter-me")
	}
	for _, e := range entries {
		if e.ActorID != "filter-me" {
			t.Errorf("Unexpected entry for actor %q", e.ActorID)
		}
	}
}

func TestBufferEviction(t *testing.T) {
	buf := &InMemoryLogBuffer{maxSize: 2}
	for _, msg := range []string{"a", "b", "c"} {
		buf.AddLogEntry(&LogEntry{Message: msg})
	}
	entries := buf.GetLogEntries("", time.Time{})
	if len(entries) != 2 || entries[0].Message != "b" || entries[1].Message != "c" {
		t.Errorf("Expected [b c], got %+v", entries)
	}
}

func TestWrap(t *testing.T) {
	setupTestLogger(t)

	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := errors.New("disk full")
	err := Wrap(base, "write event")
	if !errors.Is(err, base) {
		t.Errorf("Expected wrapped error to match base, got %v", err)
	}
	if err.Error() != "write event: disk full" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
