package model

import "time"

// UsageRecord represents a single enrichment call with cost data.
type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	Provider     string    `json:"provider" db:"provider"`
	Model        string    `json:"model" db:"model"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	CacheKey     string    `json:"cache_key,omitempty" db:"cache_key"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// BudgetPeriod defines the time window for a budget.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Budget is the persisted spend record for the enrichment path.
type Budget struct {
	Name         string       `json:"name" db:"name"`
	LimitUSD     float64      `json:"limit_usd" db:"limit_usd"`
	Period       BudgetPeriod `json:"period" db:"period"`
	CurrentSpend float64      `json:"current_spend" db:"current_spend"`
	PeriodStart  time.Time    `json:"period_start" db:"period_start"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// BudgetState is a point-in-time view of the enrichment budget and its rate window.
type BudgetState struct {
	MonthlySpend       float64   `json:"monthly_spend"`
	Ceiling            float64   `json:"ceiling"`
	Utilization        float64   `json:"utilization"`
	CallsThisMinute    int       `json:"calls_this_minute"`
	WindowStart        time.Time `json:"window_start"`
	EffectiveAllowance int       `json:"effective_allowance"`
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
}

// PeriodBounds returns the start and end time for the current period.
func PeriodBounds(period BudgetPeriod) (start, end time.Time) {
	return PeriodBoundsAt(period, time.Now())
}

// PeriodBoundsAt returns the start and end of the period containing now.
func PeriodBoundsAt(period BudgetPeriod, now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch period {
	case PeriodWeekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day()-weekday+1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}
