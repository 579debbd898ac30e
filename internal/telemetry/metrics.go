// Package telemetry exposes Prometheus metrics and reports fatal delivery failures to Sentry.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ogulcanaydogan/costalert/pkg/certhealth"
	"github.com/ogulcanaydogan/costalert/pkg/devices"
	"github.com/ogulcanaydogan/costalert/pkg/enrich"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Metrics holds every costalert metric.
type Metrics struct {
	DeliveryAttempts *prometheus.CounterVec   // channel, provider, outcome
	DeliveryDuration *prometheus.HistogramVec // channel, provider
	DeliveryTries    *prometheus.CounterVec   // channel, provider
	Dispatches       *prometheus.CounterVec   // result, fallback

	BreakerState       *prometheus.GaugeVec   // 0=closed, 1=half-open, 2=open
	BreakerTransitions *prometheus.CounterVec // breaker, to

	EnrichmentCalls   *prometheus.CounterVec // result
	BudgetSpend       prometheus.Gauge
	BudgetUtilization prometheus.Gauge

	CertDaysRemaining prometheus.Gauge
	CertValid         prometheus.Gauge

	ReconcileRemoved prometheus.Counter
	ReconcileErrors  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metrics and registers them with registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register costalert metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costalert_delivery_attempts_total",
			Help: "Channel delivery attempts by channel, provider and outcome",
		},
		[]string{"channel", "provider", "outcome"},
	)
	m.DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costalert_delivery_duration_seconds",
			Help:    "Time spent on a channel including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"channel", "provider"},
	)
	m.DeliveryTries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costalert_delivery_tries_total",
			Help: "Individual publish calls made, counting retries",
		},
		[]string{"channel", "provider"},
	)
	m.Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costalert_dispatches_total",
			Help: "Finished dispatches by result and whether a fallback channel delivered",
		},
		[]string{"result", "fallback"},
	)

	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "costalert_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)
	m.BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costalert_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state",
		},
		[]string{"breaker", "to"},
	)

	m.EnrichmentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costalert_enrichment_calls_total",
			Help: "Enrichment requests by result (ok, cached or a fallback reason)",
		},
		[]string{"result"},
	)
	m.BudgetSpend = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "costalert_enrichment_spend_usd",
		Help: "Enrichment spend in the current budget period",
	})
	m.BudgetUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "costalert_enrichment_budget_utilization_ratio",
		Help: "Enrichment spend as a fraction of the ceiling",
	})

	m.CertDaysRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "costalert_push_credential_days_remaining",
		Help: "Estimated days of validity left on the push credential (-1 if unknown)",
	})
	m.CertValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "costalert_push_credential_valid",
		Help: "1 if the last credential check passed, 0 otherwise",
	})

	m.ReconcileRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "costalert_reconcile_removed_total",
		Help: "Device endpoints removed by reconciliation",
	})
	m.ReconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "costalert_reconcile_errors_total",
		Help: "Per-endpoint errors seen during reconciliation",
	})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeliveryAttempts, m.DeliveryDuration, m.DeliveryTries, m.Dispatches,
		m.BreakerState, m.BreakerTransitions,
		m.EnrichmentCalls, m.BudgetSpend, m.BudgetUtilization,
		m.CertDaysRemaining, m.CertValid,
		m.ReconcileRemoved, m.ReconcileErrors,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AttemptFinished records one channel attempt.
func (m *Metrics) AttemptFinished(_ string, a model.DeliveryAttempt) {
	m.DeliveryAttempts.WithLabelValues(string(a.Channel), a.Provider, string(a.Outcome)).Inc()
	if a.Outcome == model.OutcomeSkipped {
		return
	}
	m.DeliveryDuration.WithLabelValues(string(a.Channel), a.Provider).Observe(a.Duration.Seconds())
	m.DeliveryTries.WithLabelValues(string(a.Channel), a.Provider).Add(float64(a.Tries))
}

// DispatchFinished records the dispatch outcome.
func (m *Metrics) DispatchFinished(r *model.DispatchResult, _ error) {
	result := "failed"
	if r.Success {
		result = "delivered"
	}
	m.Dispatches.WithLabelValues(result, fmt.Sprint(r.FallbackUsed)).Inc()
}

// BreakerListener returns a circuit breaker state listener feeding the breaker gauges.
func (m *Metrics) BreakerListener() resilience.StateListener {
	return func(name string, _, to resilience.State) {
		m.BreakerState.WithLabelValues(name).Set(stateValue(to))
		m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	}
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

// ObserveEnrichment counts an enrichment result.
func (m *Metrics) ObserveEnrichment(res *enrich.Result) {
	switch {
	case res == nil:
		m.EnrichmentCalls.WithLabelValues("error").Inc()
	case res.Fallback:
		m.EnrichmentCalls.WithLabelValues(res.Reason).Inc()
	case res.Cached:
		m.EnrichmentCalls.WithLabelValues("cached").Inc()
	default:
		m.EnrichmentCalls.WithLabelValues("ok").Inc()
	}
}

// SetBudget publishes the current budget state.
func (m *Metrics) SetBudget(state model.BudgetState) {
	m.BudgetSpend.Set(state.MonthlySpend)
	m.BudgetUtilization.Set(state.Utilization)
}

// SetCertificate publishes a credential health report.
func (m *Metrics) SetCertificate(rep *certhealth.Report) {
	m.CertDaysRemaining.Set(float64(rep.EstimatedDaysRemaining))
	if rep.IsValid {
		m.CertValid.Set(1)
	} else {
		m.CertValid.Set(0)
	}
}

// ObserveReconcile counts a reconciliation pass.
func (m *Metrics) ObserveReconcile(res *devices.ReconcileResult) {
	m.ReconcileRemoved.Add(float64(len(res.Removed)))
	m.ReconcileErrors.Add(float64(len(res.Errors)))
}
