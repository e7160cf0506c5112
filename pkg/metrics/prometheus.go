package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	enqueuedTotal        *prometheus.CounterVec
	backpressureTotal    *prometheus.CounterVec
	processedTotal       *prometheus.CounterVec
	attemptsTotal        *prometheus.CounterVec
	activityDuration     *prometheus.HistogramVec
	inFlight             prometheus.Gauge
	actors               prometheus.Gauge
	transitionsTotal     *prometheus.CounterVec
	orchestratorTotal    *prometheus.CounterVec
	orchestratorLatency  *prometheus.HistogramVec
	orchestratorAttempts *prometheus.CounterVec
	circuitState         *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the runtime metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		enqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_activities_enqueued_total",
				Help: "Activities accepted into a mailbox, by lane",
			},
			[]string{"lane"},
		),
		backpressureTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_backpressure_rejections_total",
				Help: "Sends rejected because a mailbox lane was full",
			},
			[]string{"lane"},
		),
		processedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_activities_processed_total",
				Help: "Activities that reached a final outcome",
			},
			[]string{"outcome"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_activity_attempts_total",
				Help: "Workflow invocations including retries",
			},
			[]string{"outcome"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_activity_duration_seconds",
				Help:    "Time from slot acquisition to final outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_activities_in_flight",
			Help: "Activities currently holding a concurrency slot",
		}),
		actors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_actors_active",
			Help: "Actors currently registered across runtimes",
		}),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_supervisor_transitions_total",
				Help: "Supervisor state machine transitions",
			},
			[]string{"from", "to"},
		),
		orchestratorTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_orchestrator_calls_total",
				Help: "Orchestrator executions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		orchestratorLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_orchestrator_call_duration_seconds",
				Help:    "Orchestrator execution duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		orchestratorAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_orchestrator_attempts_total",
				Help: "Attempts made by Orchestrator executions",
			},
			[]string{"operation"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_circuit_state",
				Help: "Circuit breaker phase per operation (0 closed, 1 open, 2 half-open)",
			},
			[]string{"operation"},
		),
	}
}

// ActivityEnqueued counts an accepted send.
func (p *PrometheusRecorder) ActivityEnqueued(lane string) {
	p.enqueuedTotal.WithLabelValues(lane).Inc()
}

// BackpressureRejected counts a refused send.
func (p *PrometheusRecorder) BackpressureRejected(lane string) {
	p.backpressureTotal.WithLabelValues(lane).Inc()
}

// ActivityProcessed records the final outcome of an activity.
func (p *PrometheusRecorder) ActivityProcessed(outcome string, attempts int, duration time.Duration) {
	p.processedTotal.WithLabelValues(outcome).Inc()
	p.attemptsTotal.WithLabelValues(outcome).Add(float64(attempts))
	p.activityDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ActivityStarted counts an activity acquiring a slot.
func (p *PrometheusRecorder) ActivityStarted() { p.inFlight.Inc() }

// ActivityFinished counts an activity releasing its slot.
func (p *PrometheusRecorder) ActivityFinished() { p.inFlight.Dec() }

// ActorCreated counts a registered actor.
func (p *PrometheusRecorder) ActorCreated() { p.actors.Inc() }

// ActorTerminated counts an actor leaving its registry.
func (p *PrometheusRecorder) ActorTerminated() { p.actors.Dec() }

// SupervisorTransition counts a transition.
func (p *PrometheusRecorder) SupervisorTransition(from, to string) {
	p.transitionsTotal.WithLabelValues(from, to).Inc()
}

// OrchestratorCall records one Orchestrator execution.
func (p *PrometheusRecorder) OrchestratorCall(operation, outcome string, attempts int, duration time.Duration) {
	p.orchestratorTotal.WithLabelValues(operation, outcome).Inc()
	p.orchestratorAttempts.WithLabelValues(operation).Add(float64(attempts))
	p.orchestratorLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// CircuitState reports a breaker phase.
func (p *PrometheusRecorder) CircuitState(operation string, phase int) {
	p.circuitState.WithLabelValues(operation).Set(float64(phase))
}
