package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentruntime/pkg/metrics"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/resilience/circuit"
	"agentruntime/pkg/resilience/ratelimit"
)

var errUpstream = errors.New("upstream unavailable")

func testPolicy() Policy {
	return Policy{
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		ResetTimeout:          time.Second,
		MaxRetries:            3,
		RetryDelay:            time.Millisecond,
		BackoffMultiplier:     2,
		MaxDelay:              10 * time.Millisecond,
		Timeout:               time.Second,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOrchestrator(t *testing.T, p Policy, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(p, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestExecuteSucceedsAfterKFailures(t *testing.T) {
	o := newOrchestrator(t, testPolicy())

	for k := 0; k < 3; k++ {
		var calls int32
		got, err := Execute(context.Background(), o, "flaky", func(_ context.Context, c Call) (string, error) {
			n := atomic.AddInt32(&calls, 1)
			assert.Equal(t, int(n), c.Attempt)
			if int(n) <= k {
				return "", errUpstream
			}
			return "ok", nil
		})

		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "ok", got)
		assert.Equal(t, int32(k+1), atomic.LoadInt32(&calls), "k=%d: invocations", k)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	o := newOrchestrator(t, testPolicy())

	var calls int32
	_, err := Execute(context.Background(), o, "down", func(context.Context, Call) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errUpstream
	})

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errUpstream, "cause must stay inspectable")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestCircuitOpensAndProbes(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	p := testPolicy()
	p.FailureThreshold = 3
	p.MaxRetries = 0
	p.ResetTimeout = 100 * time.Millisecond
	o := newOrchestrator(t, p, WithClock(clock.Now))

	var calls int32
	failing := func(context.Context, Call) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errUpstream
	}

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), o, "svc", failing)
		require.ErrorIs(t, err, errUpstream)
	}

	_, err := Execute(context.Background(), o, "svc", failing)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "4th call must not invoke the operation")

	snap, ok := o.BreakerState("svc")
	require.True(t, ok)
	assert.Equal(t, circuit.Open, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)

	clock.Advance(100 * time.Millisecond)

	// Hold the probe open while other callers arrive.
	probeStarted := make(chan struct{})
	releaseProbe := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, probeErr = Execute(context.Background(), o, "svc", func(context.Context, Call) (int, error) {
			atomic.AddInt32(&calls, 1)
			close(probeStarted)
			<-releaseProbe
			return 1, nil
		})
	}()
	<-probeStarted

	for i := 0; i < 5; i++ {
		_, err := Execute(context.Background(), o, "svc", failing)
		assert.ErrorIs(t, err, ErrCircuitOpen, "concurrent half-open call %d", i)
	}
	close(releaseProbe)
	wg.Wait()

	require.NoError(t, probeErr)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "exactly one probe must reach the operation")

	snap, _ = o.BreakerState("svc")
	assert.Equal(t, circuit.Closed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestNoRetryOnceCircuitOpens(t *testing.T) {
	p := testPolicy()
	p.FailureThreshold = 2
	p.MaxRetries = 5
	o := newOrchestrator(t, p)

	var calls int32
	_, err := Execute(context.Background(), o, "svc", func(context.Context, Call) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errUpstream
	})

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, errUpstream, "open circuit error keeps the last cause")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAttemptTimeout(t *testing.T) {
	p := testPolicy()
	p.Timeout = 20 * time.Millisecond
	p.CircuitBreakerEnabled = false

	t.Run("single attempt", func(t *testing.T) {
		p := p
		p.MaxRetries = 0
		o := newOrchestrator(t, p)

		_, err := Execute(context.Background(), o, "slow", func(ctx context.Context, _ Call) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		var tErr *TimeoutError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, 1, tErr.Attempt)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("timeouts are retried", func(t *testing.T) {
		o := newOrchestrator(t, p)

		var calls int32
		got, err := Execute(context.Background(), o, "slow", func(ctx context.Context, _ Call) (int, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 9, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 9, got)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("exhausted timeouts stay recognizable", func(t *testing.T) {
		p := p
		p.MaxRetries = 1
		o := newOrchestrator(t, p)

		_, err := Execute(context.Background(), o, "slow", func(ctx context.Context, _ Call) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestTimeoutCountsTowardsBreaker(t *testing.T) {
	p := testPolicy()
	p.Timeout = 10 * time.Millisecond
	p.FailureThreshold = 2
	p.MaxRetries = 0
	o := newOrchestrator(t, p)

	slow := func(ctx context.Context, _ Call) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	for i := 0; i < 2; i++ {
		_, err := Execute(context.Background(), o, "slow", slow)
		require.ErrorIs(t, err, ErrTimeout)
	}
	snap, _ := o.BreakerState("slow")
	assert.Equal(t, circuit.Open, snap.State)
}

func TestConfigErrors(t *testing.T) {
	_, err := New(Policy{CircuitBreakerEnabled: true})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "failureThreshold", cfgErr.Field)

	o := newOrchestrator(t, testPolicy())
	bad := testPolicy()
	bad.MaxRetries = -1

	var calls int32
	_, err = Execute(context.Background(), o, "svc", func(context.Context, Call) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	}, WithPolicy(bad))
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, atomic.LoadInt32(&calls))

	_, err = Execute[int](context.Background(), o, "", nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRequirePermission(t *testing.T) {
	o := newOrchestrator(t, testPolicy())

	var calls int32
	op := func(_ context.Context, c Call) (string, error) {
		atomic.AddInt32(&calls, 1)
		return c.Permissions.String(), nil
	}

	_, err := Execute(context.Background(), o, "chat", op,
		WithPermissions(permission.New(permission.ProviderText)),
		RequirePermission(permission.ProviderChat))
	assert.ErrorIs(t, err, permission.ErrDenied)
	assert.Zero(t, atomic.LoadInt32(&calls))

	got, err := Execute(context.Background(), o, "chat", op,
		WithPermissions(permission.New("provider:*")),
		RequirePermission(permission.ProviderChat))
	require.NoError(t, err)
	assert.Equal(t, "[provider:*]", got)
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	p := testPolicy()
	p.Classifier = func(err error) bool { return !errors.Is(err, errUpstream) }
	o := newOrchestrator(t, p)

	var calls int32
	_, err := Execute(context.Background(), o, "svc", func(context.Context, Call) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCallerCancellationDuringBackoff(t *testing.T) {
	p := testPolicy()
	p.RetryDelay = time.Hour
	p.MaxDelay = time.Hour
	o := newOrchestrator(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := o.Do(ctx, "svc", func(context.Context, Call) error { return errUpstream })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitStageBoundsConcurrency(t *testing.T) {
	p := testPolicy()
	p.RateLimit = &ratelimit.Config{RequestsPerMinute: 1000, MaxConcurrency: 2}
	o := newOrchestrator(t, p)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.Do(context.Background(), "limited", func(context.Context, Call) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&peak)
					if n <= cur || atomic.CompareAndSwapInt32(&peak, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Zero(t, o.LimiterStats()["limited"].ActiveRequests)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := testPolicy()
	p.MaxRetries = 0
	p.FailureThreshold = 1
	o := newOrchestrator(t, p, WithMetrics(metrics.NewPrometheusRecorder(reg)))

	require.NoError(t, o.Do(context.Background(), "svc", func(context.Context, Call) error { return nil }))
	_ = o.Do(context.Background(), "svc", func(context.Context, Call) error { return errUpstream })
	_ = o.Do(context.Background(), "svc", func(context.Context, Call) error { return nil })

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "agentrt_orchestrator_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					counts[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, counts[metrics.OutcomeSuccess])
	assert.Equal(t, 1.0, counts[metrics.OutcomeFailed])
	assert.Equal(t, 1.0, counts[metrics.OutcomeCircuitOpen])

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "agentrt_circuit_state"))
}
