// Package storage persists device endpoints, budget state and enrichment usage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
)

// ErrNotFound is returned when a key or budget does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the key/value contract behind the device registry.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every entry whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases resources.
	Close() error
}

// UsageTotals aggregates enrichment usage over a time range.
type UsageTotals struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int     `json:"calls"`
}

// Ledger persists the enrichment budget and its usage records.
type Ledger interface {
	// EnsureBudget creates the budget if missing and updates its limit and period otherwise.
	// Current spend and period start are preserved on update.
	EnsureBudget(ctx context.Context, budget *model.Budget) error

	// GetBudget retrieves a budget by name, or ErrNotFound.
	GetBudget(ctx context.Context, name string) (*model.Budget, error)

	// AddBudgetSpend atomically adds amount to the budget's current spend.
	AddBudgetSpend(ctx context.Context, name string, amount float64) error

	// ResetBudget zeroes the spend and starts a new period.
	ResetBudget(ctx context.Context, name string, periodStart time.Time) error

	// RecordUsage persists a single usage record.
	RecordUsage(ctx context.Context, record *model.UsageRecord) error

	// UsageBetween sums usage records in [start, end).
	UsageBetween(ctx context.Context, start, end time.Time) (*UsageTotals, error)
}
