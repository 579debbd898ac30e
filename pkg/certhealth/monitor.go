// Package certhealth estimates how long the push credential has left.
//
// Push platforms do not expose the credential's expiry, so the estimate assumes the
// credential was issued when the platform application was created and is valid for a fixed
// window. It is an approximation; replace Monitor when a real expiry source exists.
package certhealth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Config holds the validity window and alert thresholds, in days.
type Config struct {
	ValidityDays int           `mapstructure:"validity_days"`
	WarningDays  int           `mapstructure:"warning_days"`
	CriticalDays int           `mapstructure:"critical_days"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns a one-year validity with 30/5 day thresholds.
func DefaultConfig() Config {
	return Config{ValidityDays: 365, WarningDays: 30, CriticalDays: 5, CacheTTL: 15 * time.Minute}
}

// Report is the outcome of one health check.
type Report struct {
	IsValid                bool      `json:"is_valid"`
	Warnings               []string  `json:"warnings"`
	Errors                 []string  `json:"errors"`
	EstimatedDaysRemaining int       `json:"estimated_days_remaining"`
	CheckedAt              time.Time `json:"checked_at"`
}

// Monitor checks the push credential and caches the last report.
type Monitor struct {
	provider push.Provider
	guard    resilience.Guard
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Report
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a credential health monitor.
func NewMonitor(provider push.Provider, guard resilience.Guard, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = def.ValidityDays
	}
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = def.WarningDays
	}
	if cfg.CriticalDays <= 0 {
		cfg.CriticalDays = def.CriticalDays
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		provider: provider,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs a full credential check: platform age plus a throwaway registration.
func (m *Monitor) Check(ctx context.Context) *Report {
	now := m.now()
	rep := &Report{IsValid: true, Warnings: []string{}, Errors: []string{}, CheckedAt: now}

	info, err := resilience.Call(ctx, m.guard, "push.platform_info", func(ctx context.Context) (push.PlatformInfo, error) {
		return m.provider.PlatformInfo(ctx)
	})
	if err != nil {
		m.probeFailed(rep, "read platform", err)
		rep.EstimatedDaysRemaining = -1
		return m.store(rep)
	}
	if !info.Enabled {
		rep.IsValid = false
		rep.Errors = append(rep.Errors, "push platform application is disabled")
	}

	m.testRegistration(ctx, rep)
	m.classifyAge(rep, info.CreatedAt, now)

	return m.store(rep)
}

// PushHealthy reports whether push delivery should be attempted. A report younger than the
// cache TTL is reused; otherwise a fresh check runs.
func (m *Monitor) PushHealthy(ctx context.Context) bool {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last != nil && m.cfg.CacheTTL > 0 && m.now().Sub(last.CheckedAt) < m.cfg.CacheTTL {
		return last.IsValid
	}
	return m.Check(ctx).IsValid
}

// Last returns the most recent report, or nil.
func (m *Monitor) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) testRegistration(ctx context.Context, rep *Report) {
	token, err := randomToken()
	if err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("test registration skipped: %v", err))
		return
	}

	ref, err := resilience.Call(ctx, m.guard, "push.create_endpoint", func(ctx context.Context) (string, error) {
		return m.provider.CreateEndpoint(ctx, token, "certhealth-probe")
	})
	if err != nil {
		m.probeFailed(rep, "test registration", err)
		return
	}

	_, err = m.guard.Run(ctx, "push.delete_endpoint", func(ctx context.Context) error {
		return m.provider.DeleteEndpoint(ctx, ref)
	})
	if err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("test endpoint %s not cleaned up: %v", ref, err))
		m.logger.Warn("certificate probe cleanup failed", "endpoint", ref, "error", err)
	}
}

// probeFailed records a failed provider call. Rejections of the credential invalidate it;
// transport trouble and an open breaker only warn, since they say nothing about the
// credential.
func (m *Monitor) probeFailed(rep *Report, what string, err error) {
	if resilience.CodeOf(err) == resilience.CodeCircuitOpen {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s skipped: %v", what, err))
		return
	}
	switch resilience.Classify(err) {
	case resilience.ClassChannelSpecific, resilience.ClassValidation:
		rep.IsValid = false
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s rejected: %v", what, err))
	default:
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s failed: %v", what, err))
	}
}

func (m *Monitor) classifyAge(rep *Report, createdAt, now time.Time) {
	if createdAt.IsZero() {
		rep.Warnings = append(rep.Warnings, "platform creation time unknown, validity not estimated")
		rep.EstimatedDaysRemaining = -1
		return
	}

	expires := createdAt.AddDate(0, 0, m.cfg.ValidityDays)
	days := int(math.Floor(expires.Sub(now).Hours() / 24))
	rep.EstimatedDaysRemaining = days

	switch {
	case days <= m.cfg.CriticalDays:
		rep.IsValid = false
		rep.Errors = append(rep.Errors, fmt.Sprintf("push credential estimated to expire in %d days", days))
	case days <= m.cfg.WarningDays:
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("push credential estimated to expire in %d days", days))
	}
}

func (m *Monitor) store(rep *Report) *Report {
	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()

	attrs := []any{
		"valid", rep.IsValid,
		"days_remaining", rep.EstimatedDaysRemaining,
		"warnings", len(rep.Warnings),
		"errors", len(rep.Errors),
	}
	switch {
	case !rep.IsValid:
		m.logger.Error("push credential unhealthy", attrs...)
	case len(rep.Warnings) > 0:
		m.logger.Warn("push credential degraded", attrs...)
	default:
		m.logger.Debug("push credential healthy", attrs...)
	}
	return rep
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
