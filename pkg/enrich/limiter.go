package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

var (
	// ErrBudgetExceeded means the projected cost does not fit in the remaining budget.
	ErrBudgetExceeded = errors.New("enrichment budget exceeded")
	// ErrRateLimited means this minute's allowance is used up.
	ErrRateLimited = errors.New("enrichment rate limited")
	// ErrDisabled means the budget is spent for the rest of the period.
	ErrDisabled = errors.New("enrichment disabled for the rest of the period")
)

// Fallback reasons reported in Result.Reason.
const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonRateLimited    = "rate_limited"
	ReasonDisabled       = "disabled"
	ReasonTransport      = "transport"
	ReasonMalformed      = "malformed_response"
	ReasonError          = "error"
)

// Config controls the limiter.
type Config struct {
	Provider        string
	Model           string
	MaxOutputTokens int64
	// AllowOverride lets a request's Override flag bypass the remaining-budget check.
	// It never bypasses a fully spent budget or the rate limit.
	AllowOverride bool
	// GracefulDegradation turns every failure into a fallback Result instead of an error.
	GracefulDegradation bool
	CacheTTL            time.Duration
}

// Result is the outcome of one enrichment request. A fallback result carries no text and
// names why in Reason.
type Result struct {
	Text     string  `json:"text,omitempty"`
	Fallback bool    `json:"fallback"`
	Reason   string  `json:"reason,omitempty"`
	Cached   bool    `json:"cached"`
	CostUSD  float64 `json:"cost_usd"`
	CacheKey string  `json:"cache_key"`
}

// Call is one enrichment request.
type Call struct {
	System   string
	Prompt   string
	Override bool
}

// CostAwareRateLimiter gates the costed enrichment call behind a result cache, the
// monthly budget and the per-minute allowance.
type CostAwareRateLimiter struct {
	client Invoker
	budget *tracker.BudgetTracker
	costs  *tracker.CostCalculator
	guard  *resilience.Guard
	cfg    Config
	cache  *cache.Cache
	logger *slog.Logger
}

// Option customizes a CostAwareRateLimiter.
type Option func(*CostAwareRateLimiter)

// WithGuard wraps every provider call in a retry policy and circuit breaker.
func WithGuard(g resilience.Guard) Option {
	return func(l *CostAwareRateLimiter) { l.guard = &g }
}

// NewCostAwareRateLimiter creates a limiter.
func NewCostAwareRateLimiter(client Invoker, budget *tracker.BudgetTracker, costs *tracker.CostCalculator, cfg Config, logger *slog.Logger, opts ...Option) *CostAwareRateLimiter {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 300
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &CostAwareRateLimiter{
		client: client,
		budget: budget,
		costs:  costs,
		cfg:    cfg,
		cache:  cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enrich asks for an analysis of alert. With graceful degradation on, the error is
// always nil and a failure shows up as Result.Fallback.
func (l *CostAwareRateLimiter) Enrich(ctx context.Context, alert model.AlertContext) (*Result, error) {
	system, prompt := BuildPrompt(alert)
	return l.Invoke(ctx, Call{System: system, Prompt: prompt})
}

// Invoke runs one call through the cache, budget and rate checks.
func (l *CostAwareRateLimiter) Invoke(ctx context.Context, call Call) (*Result, error) {
	key := CacheKey(l.cfg.Model, call.System, call.Prompt)
	if v, ok := l.cache.Get(key); ok {
		return &Result{Text: v.(string), Cached: true, CacheKey: key}, nil
	}

	state, err := l.budget.State(ctx)
	if err != nil {
		return l.fail(key, fmt.Errorf("budget state: %w", err))
	}
	if state.Utilization >= 1 {
		return l.fail(key, fmt.Errorf("%w: spent %.4f of %.4f", ErrDisabled, state.MonthlySpend, state.Ceiling))
	}

	estimate, _, err := l.costs.Estimate(l.cfg.Provider, l.cfg.Model, call.System, call.Prompt, l.cfg.MaxOutputTokens)
	if err != nil {
		return l.fail(key, fmt.Errorf("estimate cost: %w", err))
	}
	remaining := state.Ceiling - state.MonthlySpend
	if estimate > remaining {
		if !(call.Override && l.cfg.AllowOverride) {
			return l.fail(key, fmt.Errorf("%w: projected %.6f, remaining %.6f", ErrBudgetExceeded, estimate, remaining))
		}
		l.logger.Warn("enrichment budget check overridden", "projected_usd", estimate, "remaining_usd", remaining)
	}

	if !l.budget.TryAcquire(state.Utilization) {
		return l.fail(key, fmt.Errorf("%w: allowance %d per minute", ErrRateLimited, state.EffectiveAllowance))
	}

	req := Request{Model: l.cfg.Model, System: call.System, Prompt: call.Prompt, MaxTokens: l.cfg.MaxOutputTokens}
	resp, err := l.invoke(ctx, req)
	if err != nil {
		return l.fail(key, err)
	}

	cost, err := l.costs.Calculate(l.cfg.Provider, l.cfg.Model, resp.InputTokens, 0, resp.OutputTokens)
	if err != nil || (resp.InputTokens == 0 && resp.OutputTokens == 0) {
		cost = estimate
	}
	if err := l.budget.Record(ctx, &model.UsageRecord{
		ID:           uuid.New().String(),
		Provider:     l.cfg.Provider,
		Model:        l.cfg.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
		CacheKey:     key,
	}); err != nil {
		l.logger.Error("failed to record enrichment usage", "error", err)
	}

	l.cache.Set(key, resp.Text, cache.DefaultExpiration)
	l.logger.Debug("enrichment call completed", "cost_usd", cost, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return &Result{Text: resp.Text, CostUSD: cost, CacheKey: key}, nil
}

// Flush empties the result cache.
func (l *CostAwareRateLimiter) Flush() { l.cache.Flush() }

func (l *CostAwareRateLimiter) invoke(ctx context.Context, req Request) (*Response, error) {
	if l.guard == nil {
		return l.client.Invoke(ctx, req)
	}
	return resilience.Call(ctx, *l.guard, "enrich.invoke", func(ctx context.Context) (*Response, error) {
		return l.client.Invoke(ctx, req)
	})
}

func (l *CostAwareRateLimiter) fail(key string, err error) (*Result, error) {
	reason := Reason(err)
	if !l.cfg.GracefulDegradation {
		return nil, err
	}
	l.logger.Warn("enrichment skipped", "reason", reason, "error", err)
	return &Result{Fallback: true, Reason: reason, CacheKey: key}, nil
}

// Reason maps an enrichment failure to a fallback reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrDisabled):
		return ReasonDisabled
	case resilience.CodeOf(err) == CodeMalformedResponse:
		return ReasonMalformed
	case resilience.Classify(err) == resilience.ClassTransient:
		return ReasonTransport
	default:
		return ReasonError
	}
}

// CacheKey derives the result cache key from the model and prompt content.
func CacheKey(model, system, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}
