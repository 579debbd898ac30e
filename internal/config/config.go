package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ogulcanaydogan/costalert/pkg/certhealth"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Config holds all costalert configuration.
type Config struct {
	Storage        StorageConfig                `mapstructure:"storage"`
	Metric         MetricConfig                 `mapstructure:"metric"`
	Channels       ChannelsConfig               `mapstructure:"channels"`
	Push           PushConfig                   `mapstructure:"push"`
	Retry          map[string]resilience.Policy `mapstructure:"retry"`
	CircuitBreaker resilience.BreakerConfig     `mapstructure:"circuit_breaker"`
	Certificate    certhealth.Config            `mapstructure:"certificate"`
	Enrichment     EnrichmentConfig             `mapstructure:"enrichment"`
	Pricing        PricingConfig                `mapstructure:"pricing"`
	Server         ServerConfig                 `mapstructure:"server"`
	Logging        LoggingConfig                `mapstructure:"logging"`
	Telemetry      TelemetryConfig              `mapstructure:"telemetry"`
}

// StorageConfig selects where device endpoints and budget state live.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // sqlite, redis or postgres
	Path        string `mapstructure:"path"`
	RedisURL    string `mapstructure:"redis_url"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// MetricConfig defines where the cost snapshot comes from and when to alert.
type MetricConfig struct {
	Source    string        `mapstructure:"source"` // file or http
	Path      string        `mapstructure:"path"`
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Threshold float64       `mapstructure:"threshold"`
	TopN      int           `mapstructure:"top_n"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ChannelsConfig enables delivery channels.
type ChannelsConfig struct {
	Push  PushChannelConfig `mapstructure:"push"`
	Email RelayConfig       `mapstructure:"email"`
	SMS   RelayConfig       `mapstructure:"sms"`
	Chat  SlackConfig       `mapstructure:"chat"`
}

// PushChannelConfig enables push delivery. An empty Target fans out to every active
// registered device.
type PushChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Target  string `mapstructure:"target"`
}

// RelayConfig configures an email or SMS channel, served either by shoutrrr URLs or by
// a signed webhook.
type RelayConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URLs    []string      `mapstructure:"urls"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Channel    string        `mapstructure:"channel"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PushConfig points at the push gateway.
type PushConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	APIKey     string        `mapstructure:"api_key"`
	Platform   string        `mapstructure:"platform"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// EnrichmentConfig controls the optional AI analysis.
type EnrichmentConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Provider            string        `mapstructure:"provider"`
	Model               string        `mapstructure:"model"`
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	RequestsPerMinute   int           `mapstructure:"requests_per_minute"`
	MonthlyBudgetUSD    float64       `mapstructure:"monthly_budget_usd"`
	ThrottleAtPct       float64       `mapstructure:"throttle_at_pct"`
	ThrottleFactor      float64       `mapstructure:"throttle_factor"`
	AllowOverride       bool          `mapstructure:"allow_override"`
	GracefulDegradation bool          `mapstructure:"graceful_degradation"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	MaxOutputTokens     int64         `mapstructure:"max_output_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// PricingConfig defines pricing data settings.
type PricingConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig defines error reporting settings.
type TelemetryConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// Load reads configuration from a .env file, the config file and environment variables,
// in increasing order of precedence.
func Load(cfgFile string) (*Config, error) {
	// A missing .env is normal; variables already set in the environment win.
	_ = godotenv.Load()

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".costalert"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("COSTALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", filepath.Join(home, ".costalert", "costalert.db"))

	v.SetDefault("metric.source", "file")
	v.SetDefault("metric.path", "snapshot.yaml")
	v.SetDefault("metric.threshold", 0.0)
	v.SetDefault("metric.top_n", 5)
	v.SetDefault("metric.timeout", "10s")

	v.SetDefault("channels.push.enabled", false)
	v.SetDefault("channels.email.enabled", false)
	v.SetDefault("channels.email.timeout", "10s")
	v.SetDefault("channels.sms.enabled", false)
	v.SetDefault("channels.sms.timeout", "10s")
	v.SetDefault("channels.chat.enabled", false)
	v.SetDefault("channels.chat.timeout", "10s")

	v.SetDefault("push.platform", "default")
	v.SetDefault("push.timeout", "10s")

	for ch, attempts := range map[string]int{"push": 3, "email": 3, "sms": 2, "chat": 2, "metric": 3, "devices": 3, "enrichment": 1} {
		p := resilience.DefaultPolicy()
		v.SetDefault("retry."+ch+".max_attempts", attempts)
		v.SetDefault("retry."+ch+".base_delay", p.BaseDelay.String())
		v.SetDefault("retry."+ch+".max_delay", p.MaxDelay.String())
		v.SetDefault("retry."+ch+".multiplier", p.Multiplier)
		v.SetDefault("retry."+ch+".jitter", p.Jitter)
		v.SetDefault("retry."+ch+".attempt_timeout", p.AttemptTimeout.String())
	}

	b := resilience.DefaultBreakerConfig()
	v.SetDefault("circuit_breaker.failure_threshold", b.FailureThreshold)
	v.SetDefault("circuit_breaker.recovery_timeout", b.RecoveryTimeout.String())
	v.SetDefault("circuit_breaker.half_open_max_calls", b.HalfOpenMaxCalls)

	c := certhealth.DefaultConfig()
	v.SetDefault("certificate.validity_days", c.ValidityDays)
	v.SetDefault("certificate.warning_days", c.WarningDays)
	v.SetDefault("certificate.critical_days", c.CriticalDays)
	v.SetDefault("certificate.cache_ttl", c.CacheTTL.String())

	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.provider", "anthropic")
	v.SetDefault("enrichment.model", "claude-haiku-4-5")
	v.SetDefault("enrichment.requests_per_minute", 10)
	v.SetDefault("enrichment.monthly_budget_usd", 5.0)
	v.SetDefault("enrichment.throttle_at_pct", 80.0)
	v.SetDefault("enrichment.throttle_factor", 0.25)
	v.SetDefault("enrichment.allow_override", false)
	v.SetDefault("enrichment.graceful_degradation", true)
	v.SetDefault("enrichment.cache_ttl", "1h")
	v.SetDefault("enrichment.max_output_tokens", 300)
	v.SetDefault("enrichment.timeout", "30s")

	v.SetDefault("pricing.dir", "pricing/")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("telemetry.environment", "production")
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("storage.backend must be sqlite, redis or postgres, got %q", c.Storage.Backend)
	}
	switch c.Metric.Source {
	case "file", "http":
	default:
		return fmt.Errorf("metric.source must be file or http, got %q", c.Metric.Source)
	}
	if c.Metric.Threshold < 0 {
		return fmt.Errorf("metric.threshold must not be negative")
	}
	for name, p := range c.Retry {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("retry.%s: %w", name, err)
		}
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if c.Certificate.CriticalDays > c.Certificate.WarningDays {
		return fmt.Errorf("certificate.critical_days must not exceed warning_days")
	}
	if c.Enrichment.ThrottleAtPct < 0 || c.Enrichment.ThrottleAtPct > 100 {
		return fmt.Errorf("enrichment.throttle_at_pct must be between 0 and 100")
	}
	return nil
}

// Policy returns the retry policy for name, or the default policy.
func (c *Config) Policy(name string) resilience.Policy {
	if p, ok := c.Retry[name]; ok {
		return p
	}
	return resilience.DefaultPolicy()
}
