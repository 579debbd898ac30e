package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/ogulcanaydogan/costalert/internal/config"
	"github.com/ogulcanaydogan/costalert/internal/telemetry"
	"github.com/ogulcanaydogan/costalert/pkg/certhealth"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/devices"
	"github.com/ogulcanaydogan/costalert/pkg/dispatch"
	"github.com/ogulcanaydogan/costalert/pkg/enrich"
	"github.com/ogulcanaydogan/costalert/pkg/metricsource"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/providers"
	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
	"github.com/ogulcanaydogan/costalert/pkg/storage"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

// errPushNotConfigured is returned by commands that need the push gateway.
var errPushNotConfigured = errors.New("push gateway not configured (set push.gateway_url)")

var rootCmd = &cobra.Command{
	Use:   "costalert",
	Short: "costalert - resilient cost alert notifications",
	Long: `costalert evaluates a cost snapshot against a threshold and delivers an alert
over push, email, SMS and chat with retries, circuit breakers and ordered fallback.
It also manages push device endpoints, checks the push credential and keeps the
optional AI enrichment inside a monthly budget.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.costalert/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	local    *storage.SQLite
	kv       storage.KV
	executor *resilience.Executor
	breakers *resilience.Registry
	metrics  *telemetry.Metrics
	reporter *telemetry.Reporter

	push       push.Provider
	devices    *devices.Registry
	cert       *certhealth.Monitor
	budget     *tracker.BudgetTracker
	pricing    *providers.Registry
	enricher   *enrich.CostAwareRateLimiter
	dispatcher *dispatch.Dispatcher
	source     metricsource.Source
}

// initApp wires every component the configuration enables.
func initApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a.metrics = metrics

	a.reporter, err = telemetry.NewReporter(telemetry.SentryOptions{
		DSN:         cfg.Telemetry.SentryDSN,
		Environment: cfg.Telemetry.Environment,
		Release:     "costalert@" + Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	a.executor = resilience.NewExecutor(a.logger)
	a.breakers = resilience.NewRegistry(cfg.CircuitBreaker,
		resilience.WithBreakerLogger(a.logger),
		resilience.WithStateListener(metrics.BreakerListener()),
	)

	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initPush(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initEnrichment(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.source = initSource(cfg)
	return a, nil
}

func (a *app) initStorage(ctx context.Context) error {
	if dir := filepath.Dir(a.cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	local, err := storage.NewSQLite(a.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	a.local = local

	kv, err := storage.OpenKV(ctx, storage.KVOptions{
		Backend:     a.cfg.Storage.Backend,
		RedisURL:    a.cfg.Storage.RedisURL,
		PostgresDSN: a.cfg.Storage.PostgresDSN,
	}, local)
	if err != nil {
		return fmt.Errorf("init %s kv: %w", a.cfg.Storage.Backend, err)
	}
	a.kv = kv
	return nil
}

func (a *app) initPush() error {
	if a.cfg.Push.GatewayURL == "" {
		return nil
	}
	gw, err := push.NewGateway(push.GatewayConfig{
		BaseURL:  a.cfg.Push.GatewayURL,
		APIKey:   a.cfg.Push.APIKey,
		Platform: a.cfg.Push.Platform,
		Timeout:  a.cfg.Push.Timeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("init push gateway: %w", err)
	}
	a.push = gw

	a.devices = devices.NewRegistry(gw, a.kv, a.guard("devices", gw.Name()), a.logger)
	a.cert = certhealth.NewMonitor(gw, a.guard("certificate", gw.Name()), a.cfg.Certificate, a.logger)
	return nil
}

func (a *app) initEnrichment(ctx context.Context) error {
	e := a.cfg.Enrichment
	budget, err := tracker.NewBudgetTracker(ctx, a.local, tracker.Config{
		CeilingUSD:        e.MonthlyBudgetUSD,
		RequestsPerMinute: e.RequestsPerMinute,
		ThrottleAt:        e.ThrottleAtPct / 100,
		ThrottleFactor:    e.ThrottleFactor,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init budget: %w", err)
	}
	a.budget = budget

	registry, err := providers.LoadRegistry(a.cfg.Pricing.Dir)
	if err != nil {
		return fmt.Errorf("load pricing: %w", err)
	}
	a.pricing = registry

	if !e.Enabled {
		return nil
	}
	if e.APIKey == "" {
		return fmt.Errorf("enrichment.api_key is required when enrichment is enabled")
	}
	priced, err := registry.Resolve(e.Provider, e.Model)
	if err != nil {
		return fmt.Errorf("enrichment pricing: %w", err)
	}
	client := enrich.NewAnthropicClient(e.BaseURL, e.APIKey, nil, e.Timeout)
	a.enricher = enrich.NewCostAwareRateLimiter(client, budget, tracker.NewCostCalculator(registry), enrich.Config{
		Provider:            priced.Name(),
		Model:               e.Model,
		MaxOutputTokens:     e.MaxOutputTokens,
		AllowOverride:       e.AllowOverride,
		GracefulDegradation: e.GracefulDegradation,
		CacheTTL:            e.CacheTTL,
	}, a.logger, enrich.WithGuard(a.guard("enrichment", priced.Name())))
	return nil
}

func initSource(cfg *config.Config) metricsource.Source {
	if cfg.Metric.Source == "http" {
		return metricsource.NewHTTPSource(cfg.Metric.URL, cfg.Metric.Token, cfg.Metric.Timeout)
	}
	return metricsource.NewFileSource(cfg.Metric.Path)
}

// guard builds the breaker and retry guard for one dependency. Breakers are keyed
// "<policy>:<provider>" so each provider trips independently.
func (a *app) guard(policy, provider string) resilience.Guard {
	return resilience.Guard{
		Breaker:  a.breakers.Get(policy + ":" + provider),
		Executor: a.executor,
		Policy:   a.cfg.Policy(policy),
	}
}

// initDispatcher builds the dispatcher from the enabled channels.
func (a *app) initDispatcher() (*dispatch.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}

	pubs, err := a.publishers()
	if err != nil {
		return nil, err
	}
	chs := make([]dispatch.Channel, 0, len(pubs))
	for _, p := range pubs {
		chs = append(chs, dispatch.Channel{Publisher: p, Policy: a.cfg.Policy(string(p.Channel()))})
	}

	opts := []dispatch.Option{dispatch.WithObserver(a.metrics)}
	if a.reporter != nil {
		opts = append(opts, dispatch.WithObserver(a.reporter))
	}
	if a.cert != nil {
		opts = append(opts, dispatch.WithHealthCheck(a.cert))
	}

	d, err := dispatch.New(chs, a.breakers, a.executor, a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}
	a.dispatcher = d
	return d, nil
}

func (a *app) publishers() ([]channels.Publisher, error) {
	c := a.cfg.Channels
	var pubs []channels.Publisher

	if c.Push.Enabled {
		if a.push == nil {
			return nil, fmt.Errorf("channels.push: %w", errPushNotConfigured)
		}
		pubs = append(pubs, channels.NewPushPublisher(a.push, c.Push.Target, a.devices, a.logger))
	}

	for _, relay := range []struct {
		channel model.Channel
		cfg     config.RelayConfig
	}{
		{model.ChannelEmail, c.Email},
		{model.ChannelSMS, c.SMS},
	} {
		if !relay.cfg.Enabled {
			continue
		}
		p, err := relayPublisher(relay.channel, relay.cfg)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}

	if c.Chat.Enabled {
		if c.Chat.WebhookURL == "" {
			return nil, fmt.Errorf("channels.chat.webhook_url is required")
		}
		pubs = append(pubs, channels.NewSlackPublisher(c.Chat.WebhookURL, c.Chat.Channel, c.Chat.Timeout))
	}
	return pubs, nil
}

// relayPublisher prefers shoutrrr URLs and falls back to the signed webhook.
func relayPublisher(ch model.Channel, cfg config.RelayConfig) (channels.Publisher, error) {
	if len(cfg.URLs) > 0 {
		p, err := channels.NewShoutrrrPublisher(ch, cfg.URLs, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", ch, err)
		}
		return p, nil
	}
	if cfg.Webhook.URL != "" {
		return channels.NewWebhookPublisher(ch, cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("channels.%s: enabled without urls or webhook.url", ch)
}

func (a *app) requirePush() error {
	if a.push == nil {
		return errPushNotConfigured
	}
	return nil
}

func (a *app) close() {
	if a.kv != nil && a.kv != storage.KV(a.local) {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("close kv", "error", err)
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.logger.Warn("close storage", "error", err)
		}
	}
	a.reporter.Flush(2 * time.Second)
}

// withApp loads config, wires the app and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := initApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
