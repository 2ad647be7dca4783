// Package metrics exposes Prometheus collectors for the governance pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semgov/policy"
)

const namespace = "semgov"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Transactions    *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StageFailures   *prometheus.CounterVec
	AdapterCalls    *prometheus.CounterVec
	AdapterLatency  *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec
	CircuitChanges  *prometheus.CounterVec
	ChainConflicts  *prometheus.CounterVec
	ChainVersion    *prometheus.GaugeVec
	PublishFailures prometheus.Counter
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Governance transactions by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures by error kind.",
		}, []string{"stage", "kind"}),
		AdapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Adapter synthesis calls by result.",
		}, []string{"adapter", "result"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_latency_seconds",
			Help:      "Latency of successful adapter responses.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"adapter"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit position per adapter: 0 closed, 1 half-open, 2 open.",
		}, []string{"adapter"}),
		CircuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions.",
		}, []string{"adapter", "from", "to"}),
		ChainConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_conflicts_total",
			Help:      "Optimistic concurrency conflicts per domain.",
		}, []string{"domain"}),
		ChainVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_version",
			Help:      "Version of the active rule per domain.",
		}, []string{"domain"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Activation events that could not be delivered.",
		}),
	}
	m.registry.MustRegister(
		m.Transactions,
		m.StageDuration,
		m.StageFailures,
		m.AdapterCalls,
		m.AdapterLatency,
		m.CircuitState,
		m.CircuitChanges,
		m.ChainConflicts,
		m.ChainVersion,
		m.PublishFailures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records a stage duration and, on failure, its error kind.
// Nil receivers are no-ops so callers can run without metrics.
func (m *Metrics) ObserveStage(stage policy.Stage, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	if err != nil {
		kind := policy.KindOf(err)
		if kind == "" {
			kind = "unknown"
		}
		m.StageFailures.WithLabelValues(string(stage), string(kind)).Inc()
	}
}

// ObserveTransaction counts a finished transaction.
func (m *Metrics) ObserveTransaction(err error) {
	if m == nil {
		return
	}
	outcome := "activated"
	if err != nil {
		outcome = string(policy.KindOf(err))
		if outcome == "" {
			outcome = "unknown"
		}
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

// ObserveAdapter counts one adapter outcome.
func (m *Metrics) ObserveAdapter(adapterID string, resp *policy.ModelResponse, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AdapterCalls.WithLabelValues(adapterID, string(policy.KindOf(err))).Inc()
		return
	}
	m.AdapterCalls.WithLabelValues(adapterID, "ok").Inc()
	if resp != nil {
		m.AdapterLatency.WithLabelValues(adapterID).Observe(resp.Latency.Seconds())
	}
}

// ObserveConflict counts a chain conflict.
func (m *Metrics) ObserveConflict(domain string) {
	if m == nil {
		return
	}
	m.ChainConflicts.WithLabelValues(domain).Inc()
}

// ObserveActivation records the new head version of a domain.
func (m *Metrics) ObserveActivation(rule *policy.CompiledPolicyRule) {
	if m == nil || rule == nil {
		return
	}
	m.ChainVersion.WithLabelValues(rule.Domain).Set(float64(rule.Version))
}

// ObservePublishFailure counts an undelivered activation event.
func (m *Metrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// CircuitObserver matches reliability.StateObserver.
func (m *Metrics) CircuitObserver(adapterID string, from, to policy.CircuitStatus) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(adapterID).Set(circuitValue(to))
	m.CircuitChanges.WithLabelValues(adapterID, string(from), string(to)).Inc()
}

func circuitValue(s policy.CircuitStatus) float64 {
	switch s {
	case policy.CircuitHalfOpen:
		return 1
	case policy.CircuitOpen:
		return 2
	default:
		return 0
	}
}
