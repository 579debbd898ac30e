package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/dispatch"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/push/pushtest"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubPublisher fails with the queued errors in order, then succeeds.
type stubPublisher struct {
	mu       sync.Mutex
	channel  model.Channel
	provider string
	errs     []error
	always   error
	calls    int
}

func (s *stubPublisher) Channel() model.Channel { return s.channel }
func (s *stubPublisher) Provider() string       { return s.provider }

func (s *stubPublisher) Publish(context.Context, model.AlertContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.always != nil {
		return s.always
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *stubPublisher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type healthStub bool

func (h healthStub) PushHealthy(context.Context) bool { return bool(h) }

type recordingObserver struct {
	attempts []model.DeliveryAttempt
	results  []*model.DispatchResult
	errs     []error
}

func (o *recordingObserver) AttemptFinished(_ string, a model.DeliveryAttempt) {
	o.attempts = append(o.attempts, a)
}

func (o *recordingObserver) DispatchFinished(r *model.DispatchResult, err error) {
	o.results = append(o.results, r)
	o.errs = append(o.errs, err)
}

func policy(n int) resilience.Policy {
	return resilience.Policy{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newDispatcher(t *testing.T, chs []dispatch.Channel, opts ...dispatch.Option) (*dispatch.Dispatcher, *resilience.Registry) {
	t.Helper()
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	exec := resilience.NewExecutor(testLogger(), resilience.WithSleep(func(time.Duration) {}))
	d, err := dispatch.New(chs, breakers, exec, testLogger(), opts...)
	require.NoError(t, err)
	return d, breakers
}

func alert() model.AlertContext {
	return model.AlertContext{
		Threshold: 10, TotalValue: 15.5, ExceedAmount: 5.5, Severity: model.SeverityCritical,
		Contributors: []model.Contributor{{Name: "compute", Value: 9, Share: 0.58}},
	}
}

func disabled() error {
	return resilience.ChannelSpecific("push.publish", resilience.CodeEndpointDisabled, errors.New("endpoint disabled"))
}

func throttled() error {
	return resilience.Transient("publish", resilience.CodeThrottling, errors.New("rate exceeded"))
}

func TestDispatch_PrimarySucceeds(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway"}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: email, Policy: policy(3)}, {Publisher: pushPub, Policy: policy(3)}})

	assert.Equal(t, []model.Channel{model.ChannelPush, model.ChannelEmail}, d.Channels())

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, model.ChannelPush, res.DeliveredVia)
	require.Len(t, res.ChannelsAttempted, 1)
	assert.Equal(t, model.OutcomeSuccess, res.ChannelsAttempted[0].Outcome)
	assert.Equal(t, 1, res.ChannelsAttempted[0].Tries)
	assert.NotEmpty(t, res.ID)
	assert.Zero(t, email.Calls())
}

func TestDispatch_ChannelSpecificFallsBackImmediately(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway", always: disabled()}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(3)}, {Publisher: email, Policy: policy(3)}})

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, model.ChannelEmail, res.DeliveredVia)
	assert.Equal(t, 1, pushPub.Calls(), "channel-specific errors are not retried")

	require.Len(t, res.ChannelsAttempted, 2)
	first, second := res.ChannelsAttempted[0], res.ChannelsAttempted[1]
	assert.Equal(t, model.ChannelPush, first.Channel)
	assert.Equal(t, model.OutcomeFailure, first.Outcome)
	assert.Equal(t, "channel_specific", first.ErrorClass)
	assert.False(t, first.Fallback)
	assert.Equal(t, model.ChannelEmail, second.Channel)
	assert.Equal(t, model.OutcomeSuccess, second.Outcome)
	assert.True(t, second.Fallback)
	assert.Equal(t, 1, second.Index)
}

func TestDispatch_TransientExhaustsBeforeFallback(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway", always: throttled()}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(2)}, {Publisher: email, Policy: policy(2)}})

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.Equal(t, 2, pushPub.Calls())
	assert.Equal(t, 2, res.ChannelsAttempted[0].Tries)
	assert.Equal(t, "transient", res.ChannelsAttempted[0].ErrorClass)
	assert.True(t, res.FallbackUsed)
}

func TestDispatch_TransientRecovers(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway", errs: []error{throttled()}}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(3)}, {Publisher: email, Policy: policy(3)}})

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 2, res.ChannelsAttempted[0].Tries)
	assert.Zero(t, email.Calls())
}

func TestDispatch_AllChannelsFail(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway", always: disabled()}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp", always: throttled()}
	sms := &stubPublisher{channel: model.ChannelSMS, provider: "twilio", always: resilience.Validation("sms", resilience.CodeInvalidParam, errors.New("bad number"))}
	obs := &recordingObserver{}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(1)}, {Publisher: email, Policy: policy(2)}, {Publisher: sms, Policy: policy(3)}}, dispatch.WithObserver(obs))

	res, err := d.Dispatch(context.Background(), alert())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.DeliveredVia)
	require.Len(t, res.ChannelsAttempted, 3)
	for _, a := range res.ChannelsAttempted {
		assert.Equal(t, model.OutcomeFailure, a.Outcome)
	}

	var derr *dispatch.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, res.ID, derr.ID)
	require.Len(t, derr.Failures, 3)
	assert.Equal(t, resilience.ClassValidation, derr.Failures[2].Class)
	msg := err.Error()
	assert.Contains(t, msg, "push/gateway (channel_specific)")
	assert.Contains(t, msg, "email/smtp (transient)")
	assert.Contains(t, msg, "sms/twilio (validation)")
	assert.Equal(t, 1, sms.Calls())

	assert.Len(t, obs.attempts, 3)
	require.Len(t, obs.errs, 1)
	assert.Equal(t, err, obs.errs[0])
}

func TestDispatch_SkipsUnhealthyPush(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway"}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(1)}, {Publisher: email, Policy: policy(1)}}, dispatch.WithHealthCheck(healthStub(false)))

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.Zero(t, pushPub.Calls())
	require.Len(t, res.ChannelsAttempted, 2)
	assert.Equal(t, model.OutcomeSkipped, res.ChannelsAttempted[0].Outcome)
	assert.Equal(t, model.ChannelEmail, res.DeliveredVia)
	assert.True(t, res.FallbackUsed)
}

func TestDispatch_OpenCircuitSkipsPublisher(t *testing.T) {
	pushPub := &stubPublisher{channel: model.ChannelPush, provider: "gateway", always: disabled()}
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, breakers := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(1)}, {Publisher: email, Policy: policy(1)}})

	for range 3 {
		_, err := d.Dispatch(context.Background(), alert())
		require.NoError(t, err)
	}
	assert.Equal(t, resilience.StateOpen, breakers.Get(dispatch.BreakerName(model.ChannelPush, "gateway")).State())

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.Equal(t, 3, pushPub.Calls(), "open circuit rejects without calling the publisher")
	assert.Contains(t, res.ChannelsAttempted[0].Error, resilience.CodeCircuitOpen)
	assert.Equal(t, "channel_specific", res.ChannelsAttempted[0].ErrorClass)
	assert.True(t, res.Success)
}

func TestNew_Validation(t *testing.T) {
	exec := resilience.NewExecutor(testLogger())
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}

	_, err := dispatch.New(nil, nil, exec, testLogger())
	assert.Error(t, err)

	_, err = dispatch.New([]dispatch.Channel{{Publisher: email, Policy: policy(1)}, {Publisher: email, Policy: policy(1)}}, nil, exec, testLogger())
	assert.ErrorContains(t, err, "configured twice")

	_, err = dispatch.New([]dispatch.Channel{{Publisher: email, Policy: resilience.Policy{}}}, nil, exec, testLogger())
	assert.ErrorContains(t, err, "retry policy")

	_, err = dispatch.New([]dispatch.Channel{{Publisher: &stubPublisher{channel: "fax"}, Policy: policy(1)}}, nil, exec, testLogger())
	assert.ErrorContains(t, err, "unknown channel")
}

func TestDispatch_PushPayloadTooLargeFallsBack(t *testing.T) {
	fake := pushtest.NewFake(time.Now())
	ref := fake.Seed(strings.Repeat("ab", 32), true)
	pushPub := channels.NewPushPublisher(fake, ref, nil, testLogger())
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}
	d, breakers := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(3)}, {Publisher: email, Policy: policy(1)}})

	big := alert().WithInsight(strings.Repeat("x", channels.MaxPushPayloadBytes))
	// more oversize alerts than the breaker threshold
	for i := 0; i < 4; i++ {
		res, err := d.Dispatch(context.Background(), big)
		require.NoError(t, err)
		assert.True(t, res.FallbackUsed)
		assert.Zero(t, res.ChannelsAttempted[0].Tries)
		assert.Contains(t, res.ChannelsAttempted[0].Error, resilience.CodePayloadTooLarge)
	}
	assert.Zero(t, fake.CallCount("Publish"))

	pushBreaker := breakers.Get(dispatch.BreakerName(model.ChannelPush, fake.Name()))
	assert.Equal(t, resilience.StateClosed, pushBreaker.State())
	assert.Zero(t, pushBreaker.Failures())

	res, err := d.Dispatch(context.Background(), alert())
	require.NoError(t, err)
	assert.Equal(t, model.ChannelPush, res.DeliveredVia)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, fake.CallCount("Publish"))
}
