// Package tracker keeps the enrichment budget: monthly spend against a ceiling and a
// per-minute call window.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/storage"
)

// ErrPeriodNotEnded is returned by ResetPeriod before the billing period is over.
var ErrPeriodNotEnded = errors.New("budget period has not ended")

// Store persists the budget. Multi-instance deployments share spend by pointing every
// instance at the same Store; the per-minute window always stays in process.
type Store interface {
	EnsureBudget(ctx context.Context, budget *model.Budget) error
	GetBudget(ctx context.Context, name string) (*model.Budget, error)
	AddBudgetSpend(ctx context.Context, name string, amount float64) error
	ResetBudget(ctx context.Context, name string, periodStart time.Time) error
	RecordUsage(ctx context.Context, record *model.UsageRecord) error
}

// Config sizes the budget and its throttling curve.
type Config struct {
	Name              string
	CeilingUSD        float64
	Period            model.BudgetPeriod
	RequestsPerMinute int
	// ThrottleAt is the utilization (0..1) from which the allowance is reduced.
	ThrottleAt float64
	// ThrottleFactor is the fraction of RequestsPerMinute allowed once throttled.
	ThrottleFactor float64
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "enrichment"
	}
	if c.Period == "" {
		c.Period = model.PeriodMonthly
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 10
	}
	if c.ThrottleAt <= 0 || c.ThrottleAt > 1 {
		c.ThrottleAt = 0.8
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor > 1 {
		c.ThrottleFactor = 0.25
	}
}

// Option customizes a BudgetTracker.
type Option func(*BudgetTracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *BudgetTracker) { t.now = now }
}

// BudgetTracker accumulates enrichment spend and bounds the call rate.
type BudgetTracker struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	calls       int
	windowStart time.Time
}

// NewBudgetTracker creates the budget row if needed and applies the configured ceiling.
func NewBudgetTracker(ctx context.Context, store Store, cfg Config, logger *slog.Logger, opts ...Option) (*BudgetTracker, error) {
	cfg.applyDefaults()
	if cfg.CeilingUSD < 0 {
		return nil, fmt.Errorf("budget ceiling must not be negative, got %v", cfg.CeilingUSD)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &BudgetTracker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	start, _ := model.PeriodBoundsAt(cfg.Period, t.now())
	if err := store.EnsureBudget(ctx, &model.Budget{
		Name:        cfg.Name,
		LimitUSD:    cfg.CeilingUSD,
		Period:      cfg.Period,
		PeriodStart: start,
	}); err != nil {
		return nil, fmt.Errorf("ensure budget: %w", err)
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *BudgetTracker) Config() Config { return t.cfg }

// State returns the current spend, utilization and rate window. A budget whose period
// has ended is rolled over to the current period first.
func (t *BudgetTracker) State(ctx context.Context) (model.BudgetState, error) {
	b, err := t.load(ctx)
	if err != nil {
		return model.BudgetState{}, err
	}

	util := utilization(b.CurrentSpend, b.LimitUSD)
	now := t.now()
	start, end := model.PeriodBoundsAt(b.Period, b.PeriodStart)

	t.mu.Lock()
	t.rollWindow(now)
	calls, windowStart := t.calls, t.windowStart
	t.mu.Unlock()

	return model.BudgetState{
		MonthlySpend:       b.CurrentSpend,
		Ceiling:            b.LimitUSD,
		Utilization:        util,
		CallsThisMinute:    calls,
		WindowStart:        windowStart,
		EffectiveAllowance: t.Allowance(util),
		PeriodStart:        start,
		PeriodEnd:          end,
	}, nil
}

// Allowance returns the per-minute call allowance at the given utilization.
func (t *BudgetTracker) Allowance(util float64) int {
	switch {
	case util >= 1:
		return 0
	case util >= t.cfg.ThrottleAt:
		return max(1, int(math.Floor(float64(t.cfg.RequestsPerMinute)*t.cfg.ThrottleFactor)))
	default:
		return t.cfg.RequestsPerMinute
	}
}

// TryAcquire takes one slot from the current minute's window. It reports false when the
// allowance for util is used up.
func (t *BudgetTracker) TryAcquire(util float64) bool {
	allowance := t.Allowance(util)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindow(t.now())
	if t.calls >= allowance {
		return false
	}
	t.calls++
	return true
}

// Record adds the call's cost to the budget and appends it to the usage ledger.
func (t *BudgetTracker) Record(ctx context.Context, record *model.UsageRecord) error {
	if record.CostUSD < 0 {
		return fmt.Errorf("usage cost must not be negative, got %v", record.CostUSD)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now().UTC()
	}
	if err := t.store.AddBudgetSpend(ctx, t.cfg.Name, record.CostUSD); err != nil {
		return fmt.Errorf("add budget spend: %w", err)
	}
	if err := t.store.RecordUsage(ctx, record); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ResetPeriod zeroes spend and starts the period containing now. Without force it is
// refused until the stored period has ended.
func (t *BudgetTracker) ResetPeriod(ctx context.Context, force bool) error {
	b, err := t.store.GetBudget(ctx, t.cfg.Name)
	if err != nil {
		return fmt.Errorf("get budget: %w", err)
	}

	now := t.now()
	_, end := model.PeriodBoundsAt(b.Period, b.PeriodStart)
	if now.Before(end) && !force {
		return fmt.Errorf("%w: current period ends %s", ErrPeriodNotEnded, end.Format(time.RFC3339))
	}

	start, _ := model.PeriodBoundsAt(b.Period, now)
	if err := t.store.ResetBudget(ctx, t.cfg.Name, start); err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	t.logger.Info("budget period reset",
		"budget", t.cfg.Name,
		"previous_spend", b.CurrentSpend,
		"period_start", start,
		"forced", force && now.Before(end),
	)
	return nil
}

// load returns the stored budget, rolling it over when its period has ended.
func (t *BudgetTracker) load(ctx context.Context) (*model.Budget, error) {
	b, err := t.store.GetBudget(ctx, t.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}

	current, _ := model.PeriodBoundsAt(b.Period, t.now())
	if b.PeriodStart.Before(current) {
		if err := t.store.ResetBudget(ctx, t.cfg.Name, current); err != nil {
			return nil, fmt.Errorf("roll budget period: %w", err)
		}
		t.logger.Info("budget period rolled over",
			"budget", t.cfg.Name,
			"previous_spend", b.CurrentSpend,
			"period_start", current,
		)
		b.CurrentSpend = 0
		b.PeriodStart = current
	}
	return b, nil
}

// rollWindow must be called with mu held.
func (t *BudgetTracker) rollWindow(now time.Time) {
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= time.Minute || now.Before(t.windowStart) {
		t.windowStart = now
		t.calls = 0
	}
}

func utilization(spend, ceiling float64) float64 {
	if ceiling <= 0 {
		return 1
	}
	return spend / ceiling
}

var _ Store = (*storage.SQLite)(nil)
