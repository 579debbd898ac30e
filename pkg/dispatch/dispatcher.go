// Package dispatch delivers an alert over the configured channels in priority order,
// falling back to the next channel when one fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Priority is the fixed channel order.
var Priority = []model.Channel{model.ChannelPush, model.ChannelEmail, model.ChannelSMS, model.ChannelChat}

// Channel pairs a publisher with its retry policy.
type Channel struct {
	Publisher channels.Publisher
	Policy    resilience.Policy
}

// HealthChecker reports whether the push credential is usable.
type HealthChecker interface {
	PushHealthy(ctx context.Context) bool
}

// Observer is told about every attempt and every finished dispatch.
type Observer interface {
	AttemptFinished(id string, attempt model.DeliveryAttempt)
	DispatchFinished(result *model.DispatchResult, err error)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHealthCheck skips push while h reports it unhealthy.
func WithHealthCheck(h HealthChecker) Option {
	return func(d *Dispatcher) { d.health = h }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithClock replaces time.Now for attempt durations.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher attempts channels sequentially until one delivers.
type Dispatcher struct {
	channels  []Channel
	breakers  *resilience.Registry
	executor  *resilience.Executor
	health    HealthChecker
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher. Channels are ordered by Priority regardless of the order
// given; at most one publisher per channel is allowed.
func New(chs []Channel, breakers *resilience.Registry, executor *resilience.Executor, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if len(chs) == 0 {
		return nil, errors.New("at least one channel must be configured")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig())
	}

	seen := make(map[model.Channel]bool)
	ordered := make([]Channel, 0, len(chs))
	for _, ch := range chs {
		if ch.Publisher == nil {
			return nil, errors.New("channel has no publisher")
		}
		name := ch.Publisher.Channel()
		if rank(name) < 0 {
			return nil, fmt.Errorf("unknown channel %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("channel %q configured twice", name)
		}
		if err := ch.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("%s retry policy: %w", name, err)
		}
		seen[name] = true
		ordered = append(ordered, ch)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i].Publisher.Channel()) < rank(ordered[j].Publisher.Channel())
	})

	d := &Dispatcher{
		channels: ordered,
		breakers: breakers,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Channels returns the configured channels in attempt order.
func (d *Dispatcher) Channels() []model.Channel {
	out := make([]model.Channel, len(d.channels))
	for i, ch := range d.channels {
		out[i] = ch.Publisher.Channel()
	}
	return out
}

// BreakerName is the circuit breaker key for a channel and provider.
func BreakerName(channel model.Channel, provider string) string {
	return string(channel) + ":" + provider
}

// Dispatch delivers alert over the first channel that accepts it. Transient failures
// are retried on the same channel; any other failure moves straight to the next one.
// When every channel fails the result is returned together with a *DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.AlertContext) (*model.DispatchResult, error) {
	result := &model.DispatchResult{ID: uuid.New().String()}
	var failures []ChannelFailure

	for i, ch := range d.channels {
		pub := ch.Publisher
		attempt := model.DeliveryAttempt{
			Channel:  pub.Channel(),
			Provider: pub.Provider(),
			Index:    i,
			Fallback: i > 0,
		}
		log := d.logger.With("dispatch_id", result.ID, "channel", attempt.Channel, "provider", attempt.Provider)

		if attempt.Channel == model.ChannelPush && d.health != nil && !d.health.PushHealthy(ctx) {
			attempt.Outcome = model.OutcomeSkipped
			attempt.Error = "push credential unhealthy"
			log.Warn("skipping push channel", "reason", attempt.Error)
			d.record(result, attempt)
			continue
		}

		if v, ok := pub.(channels.Validator); ok {
			if err := v.Validate(alert); err != nil {
				class := resilience.Classify(err)
				attempt.Outcome = model.OutcomeFailure
				attempt.ErrorClass = class.String()
				attempt.Error = err.Error()
				d.record(result, attempt)
				failures = append(failures, ChannelFailure{Channel: attempt.Channel, Provider: attempt.Provider, Class: class, Err: err})
				log.Warn("alert rejected before send, falling back", "class", class.String(), "error", err)
				continue
			}
		}

		guard := resilience.Guard{
			Breaker:  d.breakers.Get(BreakerName(attempt.Channel, attempt.Provider)),
			Executor: d.executor,
			Policy:   ch.Policy,
		}

		start := d.now()
		tries, err := guard.Run(ctx, string(attempt.Channel)+".publish", func(ctx context.Context) error {
			return pub.Publish(ctx, alert)
		})
		attempt.Tries = tries
		attempt.Duration = d.now().Sub(start)

		if err == nil {
			attempt.Outcome = model.OutcomeSuccess
			d.record(result, attempt)
			result.Success = true
			result.DeliveredVia = attempt.Channel
			result.FallbackUsed = i > 0
			log.Info("alert delivered", "tries", tries, "fallback", result.FallbackUsed)
			d.finish(result, nil)
			return result, nil
		}

		class := resilience.Classify(err)
		attempt.Outcome = model.OutcomeFailure
		attempt.ErrorClass = class.String()
		attempt.Error = err.Error()
		d.record(result, attempt)
		failures = append(failures, ChannelFailure{Channel: attempt.Channel, Provider: attempt.Provider, Class: class, Err: err})
		log.Warn("channel failed, falling back", "class", class.String(), "tries", tries, "error", err)
	}

	derr := &DeliveryError{ID: result.ID, Failures: failures}
	d.logger.Error("alert delivery failed on every channel", "dispatch_id", result.ID, "error", derr)
	d.finish(result, derr)
	return result, derr
}

func (d *Dispatcher) record(result *model.DispatchResult, attempt model.DeliveryAttempt) {
	result.ChannelsAttempted = append(result.ChannelsAttempted, attempt)
	for _, o := range d.observers {
		o.AttemptFinished(result.ID, attempt)
	}
}

func (d *Dispatcher) finish(result *model.DispatchResult, err error) {
	for _, o := range d.observers {
		o.DispatchFinished(result, err)
	}
}

func rank(ch model.Channel) int {
	for i, c := range Priority {
		if c == ch {
			return i
		}
	}
	return -1
}
