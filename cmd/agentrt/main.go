// agentrt runs a synthetic agent workload on the actor runtime. Every actor
// calls a simulated model provider through the Orchestrator, so the run
// exercises mailboxes, the shared concurrency cap, retries and the circuit
// breaker. Metrics are served on /metrics while it runs and dumped on exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"agentruntime/internal/kernel"
	"agentruntime/pkg/config"
	"agentruntime/pkg/logx"
	"agentruntime/pkg/version"
)

type options struct {
	configPath   string
	actors       int
	activities   int
	failureRate  float64
	latency      time.Duration
	metricsAddr  string
	eventLogDir  string
	sqlitePath   string
	dumpMetrics  bool
	hold         bool
	debug        bool
	debugDomains []string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var o options
	var showVersion bool

	fs := pflag.NewFlagSet("agentrt", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a JSON or YAML config file")
	fs.IntVar(&o.actors, "actors", 10, "number of actors to create")
	fs.IntVar(&o.activities, "activities", 20, "activities sent to each actor")
	fs.Float64Var(&o.failureRate, "failure-rate", 0.1, "probability that a simulated provider call fails")
	fs.DurationVar(&o.latency, "latency", 5*time.Millisecond, "mean simulated provider latency")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "override metrics.addr (empty keeps the config value)")
	fs.StringVar(&o.eventLogDir, "event-log-dir", "", "write runtime records as JSONL into this directory")
	fs.StringVar(&o.sqlitePath, "sqlite", "", "persist runtime records into this SQLite database")
	fs.BoolVar(&o.dumpMetrics, "dump-metrics", true, "print gathered runtime metrics on exit")
	fs.BoolVar(&o.hold, "hold", false, "keep serving metrics after the workload until interrupted")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.StringSliceVar(&o.debugDomains, "debug-domains", nil, "restrict debug logging to these domains")
	fs.BoolVar(&showVersion, "version", false, "show version information")

	if err := fs.Parse(args); err != nil {
		return o, err //nolint:wrapcheck // pflag errors are user-facing as-is
	}
	if showVersion {
		version.Fprint(out, "agentrt")
		return o, pflag.ErrHelp
	}
	if o.actors <= 0 || o.activities <= 0 {
		return o, fmt.Errorf("--actors and --activities must be positive")
	}
	if o.failureRate < 0 || o.failureRate > 1 {
		return o, fmt.Errorf("--failure-rate must be within [0, 1], got %v", o.failureRate)
	}
	return o, nil
}

func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err //nolint:wrapcheck // config errors already carry context
		}
		cfg = loaded
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.eventLogDir != "" {
		cfg.Sinks.EventLogDir = o.eventLogDir
	}
	if o.sqlitePath != "" {
		cfg.Sinks.SQLitePath = o.sqlitePath
	}
	return cfg, nil
}

func run(args []string, out io.Writer) error {
	o, err := parseFlags(args, out)
	if err != nil {
		return err
	}
	if o.debug {
		logx.SetDebug(true, o.debugDomains...)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	if err := k.Start(); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	summary, runErr := runScenario(ctx, k, scenario{
		actors:      o.actors,
		activities:  o.activities,
		failureRate: o.failureRate,
		latency:     o.latency,
	})
	if runErr == nil {
		summary.print(out)
	}

	if o.hold && runErr == nil && k.MetricsAddr() != "" {
		fmt.Fprintf(out, "serving metrics on http://%s/metrics, press Ctrl+C to exit\n", k.MetricsAddr())
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := k.Stop(shutdownCtx) //nolint:contextcheck // Shutdown must outlive the signal context

	if o.dumpMetrics && k.Registry != nil {
		if err := dumpMetrics(out, k.Registry, "agentrt_"); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	}
	return errors.Join(runErr, stopErr)
}
