package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "forge"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	stagesCompleted  *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	agentInvocations *prometheus.CounterVec
	agentFailures    *prometheus.CounterVec
	retries          prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	tokensConsumed   prometheus.Counter
	workflowRuns     *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors. Re-registration
// reuses the already registered collector, so multiple engines can share one
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stages_completed_total",
			Help:      "Pipeline stages completed, by stage.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		agentInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_invocations_total",
			Help:      "Agent stage executions, by role.",
		}, []string{"role"}),
		agentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_failures_total",
			Help:      "Agent stage executions that failed after retry, by role.",
		}, []string{"role"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_retries_total",
			Help:      "Generator call retries.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "result_cache_hits_total",
			Help:      "Result cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "result_cache_misses_total",
			Help:      "Result cache misses.",
		}),
		tokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_consumed_total",
			Help:      "Generator tokens consumed.",
		}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs, by outcome.",
		}, []string{"outcome"}),
	}

	m.stagesCompleted = registerCounterVec(reg, m.stagesCompleted)
	m.stageDuration = registerHistogramVec(reg, m.stageDuration)
	m.agentInvocations = registerCounterVec(reg, m.agentInvocations)
	m.agentFailures = registerCounterVec(reg, m.agentFailures)
	m.retries = registerCounter(reg, m.retries)
	m.cacheHits = registerCounter(reg, m.cacheHits)
	m.cacheMisses = registerCounter(reg, m.cacheMisses)
	m.tokensConsumed = registerCounter(reg, m.tokensConsumed)
	m.workflowRuns = registerCounterVec(reg, m.workflowRuns)
	return m
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func (m *Metrics) stageCompleted(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stagesCompleted.WithLabelValues(stage).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) agentInvoked(role string) {
	if m == nil {
		return
	}
	m.agentInvocations.WithLabelValues(role).Inc()
}

func (m *Metrics) agentFailed(role string) {
	if m == nil {
		return
	}
	m.agentFailures.WithLabelValues(role).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) tokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensConsumed.Add(float64(n))
}

func (m *Metrics) runFinished(outcome string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(outcome).Inc()
}
