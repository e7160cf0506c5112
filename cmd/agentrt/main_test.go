package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentruntime/internal/kernel"
	"agentruntime/pkg/config"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/resilience"
	"agentruntime/pkg/runtime"
)

func TestParseFlags(t *testing.T) {
	var out bytes.Buffer
	o, err := parseFlags([]string{"--actors", "3", "--activities=4", "--failure-rate", "0.5", "--sqlite", "x.db"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, o.actors)
	assert.Equal(t, 4, o.activities)
	assert.InDelta(t, 0.5, o.failureRate, 0)
	assert.Equal(t, "x.db", o.sqlitePath)
	assert.True(t, o.dumpMetrics)

	_, err = parseFlags([]string{"--failure-rate", "2"}, &out)
	assert.Error(t, err)

	_, err = parseFlags([]string{"--version"}, &out)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
	assert.Contains(t, out.String(), "agentrt dev")
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(options{metricsAddr: "127.0.0.1:0", eventLogDir: "logs"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Addr)
	assert.Equal(t, "logs", cfg.Sinks.EventLogDir)
	assert.Equal(t, config.DefaultMailboxSize, cfg.Mailbox.Size)
}

func TestWorkflowRequiresChatPermission(t *testing.T) {
	orch, err := resilience.New(resilience.DefaultPolicy())
	require.NoError(t, err)
	defer orch.Close()

	wf := workflow(orch, newProvider(0, 0, 1))
	ctx := context.Background()

	out, err := wf(ctx, runtime.Invocation[agentState]{
		Activity:    runtime.Activity{Payload: "hello"},
		Permissions: permission.New(permission.ProviderChat),
	})
	require.NoError(t, err)
	assert.Equal(t, "reply to hello", out.Result)
	require.Len(t, out.Effects, 1)
	next := out.Effects[0](agentState{})
	assert.Equal(t, 1, next.Turns)
	assert.Positive(t, next.Tokens)

	_, err = wf(ctx, runtime.Invocation[agentState]{
		Activity:    runtime.Activity{Payload: "hello"},
		Permissions: permission.New(permission.ProviderText),
	})
	assert.ErrorIs(t, err, permission.ErrDenied)
}

func TestRunScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Processing.RetryDelay = config.Int(1)
	cfg.Resilience.RetryDelay = config.Int(1)
	cfg.Resilience.MaxDelay = 5
	cfg.Sinks.EventLogDir = filepath.Join(t.TempDir(), "events")

	k, err := kernel.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())

	sum, err := runScenario(context.Background(), k, scenario{actors: 3, activities: 5, failureRate: 0, latency: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Stop(ctx))

	assert.Equal(t, 15, sum.sent)
	assert.Equal(t, 10, sum.succeeded)
	assert.Equal(t, 5, sum.failures["permission denied"], "the last actor lacks the chat permission")
	assert.Positive(t, sum.tokens)

	var out bytes.Buffer
	sum.print(&out)
	assert.Contains(t, out.String(), "succeeded:   10")

	out.Reset()
	require.NoError(t, dumpMetrics(&out, k.Registry, "agentrt_"))
	text := out.String()
	assert.Contains(t, text, "agentrt_activities_processed_total")
	assert.NotContains(t, text, "go_goroutines")
}

func TestDumpMetricsFiltersPrefix(t *testing.T) {
	reg := prometheus.NewRegistry()
	keep := prometheus.NewCounter(prometheus.CounterOpts{Name: "agentrt_test_total", Help: "kept"})
	drop := prometheus.NewCounter(prometheus.CounterOpts{Name: "other_total", Help: "dropped"})
	reg.MustRegister(keep, drop)
	keep.Inc()

	var out bytes.Buffer
	require.NoError(t, dumpMetrics(&out, reg, "agentrt_"))
	assert.True(t, strings.Contains(out.String(), "agentrt_test_total 1"))
	assert.NotContains(t, out.String(), "other_total")
}
