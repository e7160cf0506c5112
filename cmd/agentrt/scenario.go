package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentruntime/internal/kernel"
	"agentruntime/pkg/effector"
	"agentruntime/pkg/permission"
	"agentruntime/pkg/resilience"
	"agentruntime/pkg/runtime"
	"agentruntime/pkg/supervisor"
)

const completionOp = "provider.chat"

// agentState is the state each synthetic agent accumulates.
type agentState struct {
	Turns     int    `json:"turns"`
	Tokens    int    `json:"tokens"`
	LastReply string `json:"last_reply,omitempty"`
}

type scenario struct {
	actors      int
	activities  int
	failureRate float64
	latency     time.Duration
}

// completion is the simulated provider response.
type completion struct {
	Text   string
	Tokens int
}

// provider simulates a model endpoint with random latency and failures.
type provider struct {
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var errProviderUnavailable = errors.New("provider unavailable")

func newProvider(failureRate float64, latency time.Duration, seed uint64) *provider {
	return &provider{
		failureRate: failureRate,
		latency:     latency,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *provider) complete(ctx context.Context, prompt string) (completion, error) {
	p.mu.Lock()
	fail := p.rng.Float64() < p.failureRate
	delay := time.Duration(0)
	if p.latency > 0 {
		delay = time.Duration(p.rng.Int64N(int64(2 * p.latency)))
	}
	tokens := 16 + p.rng.IntN(64)
	p.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return completion{}, ctx.Err()
	}
	if fail {
		return completion{}, errProviderUnavailable
	}
	return completion{Text: "reply to " + prompt, Tokens: tokens}, nil
}

// workflow calls the provider through the Orchestrator and records the turn.
func workflow(orch *resilience.Orchestrator, p *provider) runtime.Workflow[agentState] {
	return func(ctx context.Context, inv runtime.Invocation[agentState]) (runtime.Outcome[agentState], error) {
		prompt, _ := inv.Activity.Payload.(string)
		reply, err := resilience.Execute(ctx, orch, completionOp,
			func(ctx context.Context, _ resilience.Call) (completion, error) {
				return p.complete(ctx, prompt)
			},
			resilience.WithPermissions(inv.Permissions),
			resilience.RequirePermission(permission.ProviderChat),
		)
		if err != nil {
			return runtime.Outcome[agentState]{}, err
		}

		turns, _ := supervisor.GetTyped[int](inv.Context, "turns")
		record := func(s agentState) agentState {
			s.Turns++
			s.Tokens += reply.Tokens
			s.LastReply = reply.Text
			return s
		}
		return runtime.Outcome[agentState]{
			Context: inv.Context.With("turns", turns+1),
			Result:  reply.Text,
			Effects: []effector.Effect[agentState]{record},
		}, nil
	}
}

type summary struct {
	mu        sync.Mutex
	sent      int
	succeeded int
	rejected  int
	discarded int
	failures  map[string]int
	tokens    int
	elapsed   time.Duration
	breaker   string
}

func (s *summary) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.succeeded++
	case errors.Is(err, runtime.ErrBackpressure):
		s.rejected++
	case errors.Is(err, runtime.ErrDiscarded):
		s.discarded++
	default:
		s.failures[failureCause(err)]++
	}
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, permission.ErrDenied):
		return "permission denied"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit open"
	case errors.Is(err, resilience.ErrTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrRetriesExhausted):
		return "retries exhausted"
	default:
		return "other"
	}
}

func (s *summary) print(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(w, "workload finished in %v\n", s.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  sent:        %d\n", s.sent)
	fmt.Fprintf(w, "  succeeded:   %d\n", s.succeeded)
	fmt.Fprintf(w, "  rejected:    %d\n", s.rejected)
	fmt.Fprintf(w, "  discarded:   %d\n", s.discarded)
	for cause, n := range s.failures {
		fmt.Fprintf(w, "  failed (%s): %d\n", cause, n)
	}
	fmt.Fprintf(w, "  tokens:      %d\n", s.tokens)
	fmt.Fprintf(w, "  breaker:     %s\n", s.breaker)
}

// runScenario creates sc.actors actors and sends each sc.activities prompts.
// The last actor lacks the chat permission so its calls are denied.
func runScenario(ctx context.Context, k *kernel.Kernel, sc scenario) (*summary, error) {
	rt, err := kernel.NewRuntime[agentState](k)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	p := newProvider(sc.failureRate, sc.latency, uint64(time.Now().UnixNano()))
	wf := workflow(k.Orchestrator, p)

	ids := make([]string, 0, sc.actors)
	for i := 0; i < sc.actors; i++ {
		perms := permission.New(permission.ProviderChat)
		if sc.actors > 1 && i == sc.actors-1 {
			perms = permission.New(permission.ProviderText)
		}
		a, err := rt.CreateActor(fmt.Sprintf("agent-%02d", i), agentState{}, wf, runtime.WithPermissions(perms))
		if err != nil {
			return nil, fmt.Errorf("failed to create actor: %w", err)
		}
		ids = append(ids, a.ID)
	}

	sum := &summary{failures: make(map[string]int)}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			receipts := make([]*runtime.Receipt, 0, sc.activities)
			for j := 0; j < sc.activities; j++ {
				var opts []runtime.SendOption
				if j%10 == 0 {
					opts = append(opts, runtime.WithPriority())
				}
				r, err := rt.SendActivity(gctx, id, runtime.Activity{
					Type:    "chat",
					Payload: fmt.Sprintf("%s turn %d", id, j),
				}, opts...)
				sum.mu.Lock()
				sum.sent++
				sum.mu.Unlock()
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					sum.add(err)
					continue
				}
				receipts = append(receipts, r)
			}
			for _, r := range receipts {
				_, err := r.Wait(gctx)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				sum.add(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("workload interrupted: %w", err)
	}

	sum.elapsed = time.Since(start)
	for _, id := range ids {
		if snap, err := rt.GetActorState(id); err == nil {
			sum.tokens += snap.State.Tokens
		}
	}
	sum.breaker = "not created"
	if snap, ok := k.Orchestrator.BreakerState(completionOp); ok {
		sum.breaker = fmt.Sprintf("%s (%d consecutive failures)", snap.State, snap.ConsecutiveFailures)
	}
	return sum, nil
}
