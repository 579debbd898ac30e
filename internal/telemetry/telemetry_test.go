package telemetry_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/internal/telemetry"
	"github.com/ogulcanaydogan/costalert/pkg/certhealth"
	"github.com/ogulcanaydogan/costalert/pkg/devices"
	"github.com/ogulcanaydogan/costalert/pkg/enrich"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

func scrape(t *testing.T, m *telemetry.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Dispatch(t *testing.T) {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.AttemptFinished("id", model.DeliveryAttempt{Channel: model.ChannelPush, Provider: "gateway", Outcome: model.OutcomeFailure, Tries: 3, Duration: time.Second})
	m.AttemptFinished("id", model.DeliveryAttempt{Channel: model.ChannelEmail, Provider: "smtp", Outcome: model.OutcomeSuccess, Tries: 1})
	m.AttemptFinished("id", model.DeliveryAttempt{Channel: model.ChannelPush, Provider: "gateway", Outcome: model.OutcomeSkipped})
	m.DispatchFinished(&model.DispatchResult{Success: true, FallbackUsed: true}, nil)

	body := scrape(t, m)
	assert.Contains(t, body, `costalert_delivery_attempts_total{channel="push",outcome="failure",provider="gateway"} 1`)
	assert.Contains(t, body, `costalert_delivery_attempts_total{channel="push",outcome="skipped",provider="gateway"} 1`)
	assert.Contains(t, body, `costalert_delivery_tries_total{channel="push",provider="gateway"} 3`)
	assert.Contains(t, body, `costalert_dispatches_total{fallback="true",result="delivered"} 1`)
}

func TestMetrics_BreakerListener(t *testing.T) {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cb := resilience.NewCircuitBreaker("push:gateway",
		resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1},
		resilience.WithStateListener(m.BreakerListener()))
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })

	body := scrape(t, m)
	assert.Contains(t, body, `costalert_circuit_breaker_state{breaker="push:gateway"} 2`)
	assert.Contains(t, body, `costalert_circuit_breaker_transitions_total{breaker="push:gateway",to="OPEN"} 1`)
}

func TestMetrics_Gauges(t *testing.T) {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveEnrichment(&enrich.Result{Fallback: true, Reason: enrich.ReasonDisabled})
	m.ObserveEnrichment(&enrich.Result{Cached: true})
	m.SetBudget(model.BudgetState{MonthlySpend: 4.5, Utilization: 0.9})
	m.SetCertificate(&certhealth.Report{IsValid: true, EstimatedDaysRemaining: 25})
	m.ObserveReconcile(&devices.ReconcileResult{Removed: []string{"a", "b"}, Errors: []string{"x"}})

	body := scrape(t, m)
	assert.Contains(t, body, `costalert_enrichment_calls_total{result="disabled"} 1`)
	assert.Contains(t, body, `costalert_enrichment_calls_total{result="cached"} 1`)
	assert.Contains(t, body, `costalert_enrichment_budget_utilization_ratio 0.9`)
	assert.Contains(t, body, `costalert_push_credential_days_remaining 25`)
	assert.Contains(t, body, `costalert_push_credential_valid 1`)
	assert.Contains(t, body, `costalert_reconcile_removed_total 2`)
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)
	_, err = telemetry.NewMetrics(reg)
	assert.Error(t, err)
}

type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *mockTransport) Configure(sentry.ClientOptions) {}
func (t *mockTransport) SendEvent(e *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}
func (t *mockTransport) Flush(time.Duration) bool               { return true }
func (t *mockTransport) FlushWithContext(context.Context) bool { return true }
func (t *mockTransport) Close()                                 {}

func TestReporter(t *testing.T) {
	r, err := telemetry.NewReporter(telemetry.SentryOptions{})
	require.NoError(t, err)
	assert.Nil(t, r)
	r.DispatchFinished(&model.DispatchResult{}, errors.New("ignored"))
	assert.True(t, r.Flush(time.Millisecond))

	transport := &mockTransport{}
	r, err = telemetry.NewReporter(telemetry.SentryOptions{Transport: transport, Environment: "test"})
	require.NoError(t, err)

	res := &model.DispatchResult{ID: "d-1", ChannelsAttempted: []model.DeliveryAttempt{{Channel: model.ChannelPush, Outcome: model.OutcomeFailure}}}
	r.DispatchFinished(res, nil)
	r.DispatchFinished(res, errors.New("delivery failed on all channels"))
	r.Flush(time.Second)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.events, 1)
	ev := transport.events[0]
	assert.Equal(t, "d-1", ev.Tags["dispatch_id"])
	assert.Equal(t, "dispatch", ev.Tags["component"])
	require.NotEmpty(t, ev.Exception)
	assert.Equal(t, "delivery failed on all channels", ev.Exception[0].Value)
}
