package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ogulcanaydogan/costalert/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements KV and Ledger on a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) EnsureBudget(ctx context.Context, budget *model.Budget) error {
	now := time.Now().UTC()
	if budget.PeriodStart.IsZero() {
		budget.PeriodStart, _ = model.PeriodBoundsAt(budget.Period, now)
	}
	budget.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (name, limit_usd, period, current_spend, period_start, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   limit_usd = excluded.limit_usd,
		   period = excluded.period,
		   updated_at = excluded.updated_at`,
		budget.Name, budget.LimitUSD, budget.Period, budget.CurrentSpend, budget.PeriodStart, budget.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ensure budget: %w", err)
	}
	return nil
}

func (s *SQLite) GetBudget(ctx context.Context, name string) (*model.Budget, error) {
	var b model.Budget
	err := s.db.QueryRowContext(ctx,
		`SELECT name, limit_usd, period, current_spend, period_start, updated_at
		 FROM budgets WHERE name = ?`, name,
	).Scan(&b.Name, &b.LimitUSD, &b.Period, &b.CurrentSpend, &b.PeriodStart, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("budget %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return &b, nil
}

func (s *SQLite) AddBudgetSpend(ctx context.Context, name string, amount float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_spend = current_spend + ?, updated_at = ? WHERE name = ?`,
		amount, time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("update budget spend: %w", err)
	}
	return requireRow(result, name)
}

func (s *SQLite) ResetBudget(ctx context.Context, name string, periodStart time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_spend = 0, period_start = ?, updated_at = ? WHERE name = ?`,
		periodStart.UTC(), time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	return requireRow(result, name)
}

func (s *SQLite) RecordUsage(ctx context.Context, record *model.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, provider, model, input_tokens, output_tokens, cost_usd, cache_key, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Provider, record.Model,
		record.InputTokens, record.OutputTokens, record.CostUSD,
		record.CacheKey, record.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLite) UsageBetween(ctx context.Context, start, end time.Time) (*UsageTotals, error) {
	totals := &UsageTotals{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		 FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC(), end.UTC(),
	).Scan(&totals.CostUSD, &totals.InputTokens, &totals.OutputTokens, &totals.Calls)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return totals, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireRow(result sql.Result, name string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("budget %q: %w", name, ErrNotFound)
	}
	return nil
}
