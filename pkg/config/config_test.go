package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Mailbox.FairnessQuota != DefaultFairnessQuota {
		t.Errorf("FairnessQuota = %d, want %d", cfg.Mailbox.FairnessQuota, DefaultFairnessQuota)
	}
	if !cfg.Mailbox.PrioritizationEnabled() {
		t.Error("Prioritization should default to enabled")
	}
	if cfg.Processing.Retries() != DefaultMaxRetries {
		t.Errorf("Retries = %d, want %d", cfg.Processing.Retries(), DefaultMaxRetries)
	}
	if cfg.Resilience.ResetTimeout() != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cfg.Resilience.ResetTimeout())
	}
}

func TestParseJSONKeepsExplicitZeroes(t *testing.T) {
	data := []byte(`{
		"mailbox": {"size": 2, "enablePrioritization": false, "backpressureTimeout": 50},
		"processing": {"maxConcurrent": 5, "maxRetries": 0},
		"resilience": {"circuitBreakerEnabled": false, "retryJitter": false}
	}`)

	cfg, err := Parse(data, FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Mailbox.Size != 2 {
		t.Errorf("Size = %d, want 2", cfg.Mailbox.Size)
	}
	if cfg.Mailbox.PrioritizationEnabled() {
		t.Error("Prioritization should be disabled")
	}
	if cfg.Mailbox.BackpressureWait() != 50*time.Millisecond {
		t.Errorf("BackpressureWait = %v, want 50ms", cfg.Mailbox.BackpressureWait())
	}
	if cfg.Processing.Retries() != 0 {
		t.Errorf("Retries = %d, want explicit 0", cfg.Processing.Retries())
	}
	if cfg.Resilience.BreakerEnabled() || cfg.Resilience.JitterEnabled() {
		t.Error("Breaker and jitter should be disabled")
	}
	// Untouched sections receive defaults.
	if cfg.Mailbox.PriorityQueueSize != DefaultPriorityQueueSize {
		t.Errorf("PriorityQueueSize = %d, want default", cfg.Mailbox.PriorityQueueSize)
	}
}

func TestParseKeepsExplicitZeroDurations(t *testing.T) {
	data := []byte(`
mailbox:
  backpressureTimeout: 0
processing:
  retryDelay: 0
resilience:
  retryDelay: 0
`)
	cfg, err := Parse(data, FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Mailbox.BackpressureWait() != 0 {
		t.Errorf("BackpressureWait = %v, want explicit 0", cfg.Mailbox.BackpressureWait())
	}
	if cfg.Processing.Delay() != 0 {
		t.Errorf("processing Delay = %v, want explicit 0", cfg.Processing.Delay())
	}
	if cfg.Resilience.InitialDelay() != 0 {
		t.Errorf("resilience InitialDelay = %v, want explicit 0", cfg.Resilience.InitialDelay())
	}

	// Absent fields still take the defaults.
	cfg, err = Parse([]byte(`{}`), FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Processing.Delay() != DefaultRetryDelayMs*time.Millisecond {
		t.Errorf("processing Delay = %v, want default", cfg.Processing.Delay())
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
mailbox:
  size: 10
  priorityQueueSize: 3
processing:
  maxConcurrent: 4
  timeout: 250
resilience:
  failureThreshold: 3
  resetTimeoutMs: 100
  rateLimit:
    enabled: true
    requestsPerMinute: 60
`)
	cfg, err := Parse(data, FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Processing.Deadline() != 250*time.Millisecond {
		t.Errorf("Deadline = %v, want 250ms", cfg.Processing.Deadline())
	}
	if !cfg.Resilience.RateLimit.Enabled || cfg.Resilience.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("Unexpected rate limit config: %+v", cfg.Resilience.RateLimit)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"mailbox": {"sise": 3}}`), FormatJSON); err == nil {
		t.Error("Expected error for unknown JSON field")
	}
	if _, err := Parse([]byte("mailbox:\n  sise: 3\n"), FormatYAML); err == nil {
		t.Error("Expected error for unknown YAML field")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative size", func(c *Config) { c.Mailbox.Size = -1 }},
		{"zero concurrency", func(c *Config) { c.Processing.MaxConcurrent = -3 }},
		{"negative retries", func(c *Config) { c.Processing.MaxRetries = intPtr(-1) }},
		{"negative backpressure wait", func(c *Config) { c.Mailbox.BackpressureTimeout = intPtr(-1) }},
		{"negative processing delay", func(c *Config) { c.Processing.RetryDelay = intPtr(-1) }},
		{"shrinking backoff", func(c *Config) { c.Resilience.RetryBackoffMultiplier = 0.5 }},
		{"max delay below initial", func(c *Config) { c.Resilience.MaxDelay = 1; c.Resilience.RetryDelay = intPtr(5) }},
		{"rate limit without rate", func(c *Config) {
			c.Resilience.RateLimit.Enabled = true
			c.Resilience.RateLimit.RequestsPerMinute = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("AGENTRT_EVENT_DIR", "/var/log/agentrt")

	cfg, err := Parse([]byte(`{"sinks": {"eventLogDir": "${AGENTRT_EVENT_DIR}", "sqlitePath": "${AGENTRT_UNSET_VAR}"}}`), FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Sinks.EventLogDir != "/var/log/agentrt" {
		t.Errorf("EventLogDir = %q", cfg.Sinks.EventLogDir)
	}
	if cfg.Sinks.SQLitePath != "${AGENTRT_UNSET_VAR}" {
		t.Errorf("Unset variable should be left in place, got %q", cfg.Sinks.SQLitePath)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"runtime.json", "runtime.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			want := Default()
			want.Mailbox.Size = 7

			if err := Save(want, path); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !reflect.DeepEqual(want, got) {
				t.Errorf("Round trip mismatch:\nwant %+v\ngot  %+v", want, got)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}
