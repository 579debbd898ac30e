package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDown = errors.New("down")

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock, cfg resilience.BreakerConfig, opts ...resilience.BreakerOption) *resilience.CircuitBreaker {
	opts = append([]resilience.BreakerOption{resilience.WithClock(clock.Now), resilience.WithBreakerLogger(testLogger())}, opts...)
	return resilience.NewCircuitBreaker("push:gateway", cfg, opts...)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
		assert.Equal(t, resilience.StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, resilience.StateOpen, cb.State())

	invoked := false
	err := cb.Execute(ctx, func(context.Context) error { invoked = true; return nil })
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.Failures())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestBreaker_HalfOpenAfterRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, resilience.StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, resilience.StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, resilience.StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestBreaker_ProbeFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, resilience.StateOpen, cb.State())

	clock.Advance(20 * time.Second)
	assert.Equal(t, resilience.StateOpen, cb.State())
	clock.Advance(10 * time.Second)
	assert.Equal(t, resilience.StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), resilience.ErrTooManyProbes)

	close(release)
	wg.Wait()
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestBreaker_CanceledDoesNotCount(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestBreaker_ResetAndListener(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := newTestBreaker(clock,
		resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		resilience.WithStateListener(func(name string, from, to resilience.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	assert.Equal(t, resilience.StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	reg := resilience.NewRegistry(
		resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		resilience.WithClock(clock.Now),
	)

	a := reg.Get("sms:twilio")
	assert.Same(t, a, reg.Get("sms:twilio"))
	b := reg.Get("email:smtp")

	_ = a.Execute(context.Background(), fail)
	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "email:smtp", snaps[0].Name)
	assert.Equal(t, "CLOSED", snaps[0].State)
	assert.Equal(t, "OPEN", snaps[1].State)

	assert.True(t, reg.Reset("sms:twilio"))
	assert.False(t, reg.Reset("missing"))
	assert.Equal(t, resilience.StateClosed, a.State())

	_ = b.Execute(context.Background(), fail)
	reg.ResetAll()
	assert.Equal(t, resilience.StateClosed, b.State())
}

func TestGuard_OpenCircuitStopsRetries(t *testing.T) {
	clock := newFakeClock()
	var slept []time.Duration
	guard := resilience.Guard{
		Breaker:  newTestBreaker(clock, resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}),
		Executor: newTestExecutor(&slept),
		Policy:   resilience.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}

	calls := 0
	attempts, err := guard.Run(context.Background(), "send", func(context.Context) error {
		calls++
		return statusErr{503}
	})

	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, calls)
}

func TestCall_ReturnsValue(t *testing.T) {
	got, err := resilience.Call(context.Background(), resilience.Guard{Policy: resilience.DefaultPolicy()}, "get",
		func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
