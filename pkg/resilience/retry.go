package resilience

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry sequence.
type Policy struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         bool          `mapstructure:"jitter"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultPolicy returns the policy used when a caller configures none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		Jitter:         true,
		AttemptTimeout: 10 * time.Second,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base_delay %v exceeds max_delay %v", p.BaseDelay, p.MaxDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// Delay returns the un-jittered wait after failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor runs operations under a retry Policy.
type Executor struct {
	logger *slog.Logger
	sleep  func(time.Duration)
	random func() float64
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithSleep replaces time.Sleep, mainly for tests.
func WithSleep(fn func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) ExecutorOption {
	return func(e *Executor) { e.random = fn }
}

// NewExecutor creates a retry executor.
func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		logger: logger,
		sleep:  time.Sleep,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute invokes fn until it succeeds, fails with a non-retryable error, or the policy is exhausted.
// It returns the number of attempts made. Non-retryable errors are returned unchanged.
// Waits between attempts are bounded by the policy and are not interrupted by ctx.
func (e *Executor) Execute(ctx context.Context, p Policy, op string, fn func(context.Context) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = e.attempt(ctx, p, fn)
		if lastErr == nil {
			return attempt, nil
		}

		class := Classify(lastErr)
		if !class.Retryable() {
			return attempt, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := e.backoff(p, attempt)
		e.logger.Warn("retrying operation",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"class", class.String(),
			"wait", wait,
			"error", lastErr,
		)
		e.sleep(wait)
	}

	return p.MaxAttempts, &ExhaustedError{Op: op, Attempts: p.MaxAttempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) backoff(p Policy, attempt int) time.Duration {
	d := p.Delay(attempt)
	if !p.Jitter || d <= 0 {
		return d
	}
	// uniform factor in [0.5, 1.5)
	d = time.Duration(float64(d) * (0.5 + e.random()))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	_, err := e.Execute(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
