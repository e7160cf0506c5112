// Package kernel wires the shared infrastructure of an agent runtime process:
// configuration, logging, metrics, event sinks, the Orchestrator and the
// processor shared by every Runtime it creates.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"agentruntime/pkg/config"
	"agentruntime/pkg/eventlog"
	"agentruntime/pkg/logx"
	"agentruntime/pkg/metrics"
	"agentruntime/pkg/persistence"
	"agentruntime/pkg/processor"
	"agentruntime/pkg/resilience"
	"agentruntime/pkg/runtime"
)

// Kernel owns the infrastructure shared by one or more runtimes.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config       *config.Config
	Logger       *logx.Logger
	Registry     *prometheus.Registry
	Metrics      metrics.Recorder
	Processor    *processor.Processor
	Orchestrator *resilience.Orchestrator
	EventLog     *eventlog.Writer
	Store        *persistence.Sink
	Sink         runtime.Sink

	metricsServer   *http.Server
	metricsListener net.Listener

	mu       sync.Mutex
	runtimes []func(context.Context) error
	running  bool
	stopped  bool
}

// New validates cfg and builds every shared service. Nothing is served until Start.
func New(parent context.Context, cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		config.ApplyDefaults(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initializeServices(); err != nil {
		cancel()
		_ = k.closeSinks()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	k.Metrics = metrics.Nop()
	if k.Config.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		k.Metrics = metrics.NewPrometheusRecorder(k.Registry)
	}

	var sinks runtime.MultiSink
	if dir := k.Config.Sinks.EventLogDir; dir != "" {
		w, err := eventlog.NewWriter(dir)
		if err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		k.EventLog = w
		sinks = append(sinks, w)
		k.Logger.Info("event log enabled: %s", w.CurrentFile())
	}
	if path := k.Config.Sinks.SQLitePath; path != "" {
		s, err := persistence.NewSink(path, 0)
		if err != nil {
			return fmt.Errorf("sqlite sink: %w", err)
		}
		k.Store = s
		sinks = append(sinks, s)
	}
	k.Sink = runtime.NopSink{}
	if len(sinks) > 0 {
		k.Sink = sinks
	}

	k.Processor = processor.New(processor.ConfigFrom(k.Config.Processing),
		processor.WithMetrics(k.Metrics), processor.WithLogger(logx.NewLogger("processor")))

	orch, err := resilience.New(resilience.PolicyFromConfig(k.Config.Resilience),
		resilience.WithMetrics(k.Metrics), resilience.WithLogger(logx.NewLogger("orchestrator")))
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	k.Orchestrator = orch
	return nil
}

// Context is cancelled when the kernel stops.
func (k *Kernel) Context() context.Context { return k.ctx }

// NewRuntime creates a runtime on the kernel's shared processor, metrics and
// sinks. The kernel shuts it down on Stop.
func NewRuntime[S any](k *Kernel, opts ...runtime.Option) (*runtime.Runtime[S], error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return nil, runtime.ErrClosed
	}

	base := []runtime.Option{
		runtime.WithProcessor(k.Processor),
		runtime.WithMetrics(k.Metrics),
		runtime.WithSink(k.Sink),
		runtime.WithLogger(logx.NewLogger("runtime")),
	}
	rt, err := runtime.New[S](k.Config, append(base, opts...)...)
	if err != nil {
		return nil, err //nolint:wrapcheck // Runtime errors propagated as-is
	}
	k.runtimes = append(k.runtimes, rt.Shutdown)
	return rt, nil
}

// Start begins serving /metrics when metrics are enabled.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if k.stopped {
		return fmt.Errorf("kernel stopped")
	}

	if k.Registry != nil && k.Config.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", k.Config.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", k.Config.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{Registry: k.Registry}))
		k.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		k.metricsListener = ln

		go func() {
			if err := k.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger.Error("metrics server failed: %v", err)
			}
		}()
		k.Logger.Info("serving metrics on %s/metrics", ln.Addr())
	}

	k.running = true
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (k *Kernel) MetricsAddr() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.metricsListener == nil {
		return ""
	}
	return k.metricsListener.Addr().String()
}

// Stop shuts every runtime down concurrently, then the metrics server, the
// Orchestrator and the sinks. It is safe to call more than once.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil
	}
	k.stopped = true
	k.running = false
	shutdowns := k.runtimes
	k.runtimes = nil
	server := k.metricsServer
	k.mu.Unlock()

	k.Logger.Info("stopping kernel services...")

	g, gctx := errgroup.WithContext(ctx)
	for _, shutdown := range shutdowns {
		g.Go(func() error { return shutdown(gctx) })
	}
	err := g.Wait()

	if server != nil {
		if serr := server.Shutdown(ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("metrics server: %w", serr))
		}
	}
	k.cancel()
	k.Orchestrator.Close()
	if cerr := k.closeSinks(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	if err != nil {
		k.Logger.Warn("kernel stopped with errors: %v", err)
		return err
	}
	k.Logger.Info("kernel stopped")
	return nil
}

func (k *Kernel) closeSinks() error {
	var g errgroup.Group
	if k.EventLog != nil {
		g.Go(k.EventLog.Close)
	}
	if k.Store != nil {
		g.Go(k.Store.Close)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("closing sinks: %w", err)
	}
	return nil
}
