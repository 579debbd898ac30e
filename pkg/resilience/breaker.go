package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen is returned without invoking the operation while a breaker is open.
	ErrCircuitOpen = &Error{Class: ClassChannelSpecific, Code: CodeCircuitOpen, Err: errors.New("circuit breaker is open")}
	// ErrTooManyProbes is returned when a half-open breaker has no probe slots left.
	ErrTooManyProbes = &Error{Class: ClassChannelSpecific, Code: CodeCircuitOpen, Err: errors.New("circuit breaker is half-open, probe limit reached")}
)

// BreakerConfig holds thresholds for a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Validate checks if the breaker configuration is valid.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be at least 1, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// StateListener is notified on every breaker state transition.
type StateListener func(name string, from, to State)

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger sets the logger used for transitions.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// WithStateListener registers a transition callback. It is invoked with the breaker lock held
// and must not call back into the breaker.
func WithStateListener(fn StateListener) BreakerOption {
	return func(cb *CircuitBreaker) { cb.listeners = append(cb.listeners, fn) }
}

// CircuitBreaker stops calling a failing dependency until it has had time to recover.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                sync.Mutex
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenCalls     int
	halfOpenSuccesses int

	now       func() time.Time
	logger    *slog.Logger
	listeners []StateListener
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if err := config.Validate(); err != nil {
		cb.logger.Warn("circuit breaker config invalid, proceeding as given", "breaker", name, "error", err)
	}
	return cb
}

// Name returns the breaker key.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

// State returns the current state. An open breaker whose recovery timeout has elapsed
// is reported, and moved, to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot returns the breaker's current state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrTooManyProbes
		}
		cb.halfOpenCalls++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// the caller gave up; that says nothing about the dependency
	if errors.Is(err, context.Canceled) {
		if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		return
	}

	if err != nil {
		cb.onFailure(err)
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.logger.Warn("circuit breaker opened",
				"breaker", cb.name,
				"failures", cb.failures,
				"error", err,
			)
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.failures++
		cb.logger.Warn("circuit breaker probe failed, reopening",
			"breaker", cb.name,
			"error", err,
		)
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.failures = 0
			cb.logger.Info("circuit breaker closed", "breaker", cb.name)
			cb.setState(StateClosed)
		}
	}
}

// maybeHalfOpen must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state != StateOpen {
		return
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.logger.Info("circuit breaker half-open", "breaker", cb.name)
		cb.setState(StateHalfOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	cb.halfOpenCalls = 0
	cb.halfOpenSuccesses = 0
	if from == to {
		return
	}
	for _, fn := range cb.listeners {
		fn(cb.name, from, to)
	}
}
