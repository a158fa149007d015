package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Config represents application configuration
type Config struct {
	Server   ServerConfig   `envconfig:"SERVER"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Provider ProviderConfig `envconfig:"PROVIDER"`
	Quota    QuotaConfig    `envconfig:"QUOTA"`
	Cache    CacheConfig    `envconfig:"CACHE"`
	Refresh  RefreshConfig  `envconfig:"REFRESH"`
	Rates    RatesConfig    `envconfig:"RATES"`
	Telegram TelegramConfig `envconfig:"TELEGRAM"`
	Logging  LoggingConfig  `envconfig:"LOGGING"`
}

// ServerConfig represents the HTTP API listener
type ServerConfig struct {
	Port       string `envconfig:"SERVER_PORT" default:"8080"`
	AdminToken string `envconfig:"ADMIN_TOKEN" required:"false"`
}

// RedisConfig represents the durable counter/cache store connection
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// ProviderConfig represents the upstream pricing provider
type ProviderConfig struct {
	BaseURL         string        `envconfig:"PROVIDER_BASE_URL" required:"true"`
	APIKey          string        `envconfig:"PROVIDER_API_KEY" required:"true"`
	Timeout         time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	DefaultCurrency string        `envconfig:"PROVIDER_DEFAULT_CURRENCY" default:"USD"`
}

// QuotaConfig represents the monthly upstream call budget
type QuotaConfig struct {
	MonthlyLimit     int64   `envconfig:"QUOTA_MONTHLY_LIMIT" default:"10000"`
	CallBuffer       int64   `envconfig:"QUOTA_CALL_BUFFER" default:"10"`
	AlertThresholdPc float64 `envconfig:"QUOTA_ALERT_THRESHOLD_PERCENT" default:"80"`
}

// CacheConfig represents quote cache freshness horizons. RefreshSkipWindow is
// the scheduler's "don't bother refreshing" window; QuoteTTL is the longer
// "still servable" horizon enforced by store expiry.
type CacheConfig struct {
	QuoteTTL          time.Duration `envconfig:"QUOTE_CACHE_TTL" default:"1h"`
	RefreshSkipWindow time.Duration `envconfig:"REFRESH_SKIP_WINDOW" default:"15m"`
	ReferenceTTL      time.Duration `envconfig:"CURRENCY_REFERENCE_TTL" default:"720h"`
}

// RefreshConfig represents the scheduled refresh run
type RefreshConfig struct {
	Interval    time.Duration `envconfig:"REFRESH_INTERVAL" default:"1h"`
	Tokens      []string      `envconfig:"REFRESH_TOKENS" default:"USDC,USDT"`
	Fiats       []string      `envconfig:"REFRESH_FIATS" default:"USD,NGN,EUR"`
	LockEnabled bool          `envconfig:"REFRESH_LOCK_ENABLED" default:"false"`
}

// RatesConfig carries the fiat substitution table as configuration data,
// formatted FIAT:BASE:MULTIPLIER with comma-separated entries,
// e.g. "NGN:USD:1520.0,GHS:USD:15.6"
type RatesConfig struct {
	SubstitutionRules string `envconfig:"SUBSTITUTION_RULES" default:"NGN:USD:1520.0"`
}

// TelegramConfig represents quota alert delivery; alerts are disabled when no
// bot token is configured
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" required:"false"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Quota.MonthlyLimit <= 0 {
		return fmt.Errorf("quota monthly limit must be positive")
	}
	if c.Quota.CallBuffer < 0 || c.Quota.CallBuffer >= c.Quota.MonthlyLimit {
		return fmt.Errorf("quota call buffer must be in [0, monthly limit)")
	}
	if c.Quota.AlertThresholdPc <= 0 || c.Quota.AlertThresholdPc > 100 {
		return fmt.Errorf("quota alert threshold must be in (0, 100]")
	}

	if c.Cache.QuoteTTL <= 0 {
		return fmt.Errorf("quote cache TTL must be positive")
	}
	if c.Cache.RefreshSkipWindow <= 0 || c.Cache.RefreshSkipWindow > c.Cache.QuoteTTL {
		return fmt.Errorf("refresh skip window must be positive and not exceed quote cache TTL")
	}

	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if len(c.Refresh.Tokens) == 0 {
		return fmt.Errorf("at least one refresh token is required")
	}
	if len(c.Refresh.Fiats) == 0 {
		return fmt.Errorf("at least one refresh fiat is required")
	}

	if _, err := c.Rates.ParseSubstitutionRules(); err != nil {
		return err
	}

	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram chat_id is required when bot token is set")
	}

	return nil
}

// ParseSubstitutionRules parses the configured substitution table into a
// symbol-keyed rule map. Symbols are normalized to upper case.
func (r *RatesConfig) ParseSubstitutionRules() (map[string]models.SubstitutionRule, error) {
	rules := make(map[string]models.SubstitutionRule)
	if strings.TrimSpace(r.SubstitutionRules) == "" {
		return rules, nil
	}

	for _, entry := range strings.Split(r.SubstitutionRules, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid substitution rule %q (want FIAT:BASE:MULTIPLIER)", entry)
		}

		fiat := strings.ToUpper(strings.TrimSpace(parts[0]))
		base := strings.ToUpper(strings.TrimSpace(parts[1]))
		if fiat == "" || base == "" || fiat == base {
			return nil, fmt.Errorf("invalid substitution rule %q: fiat and base must differ", entry)
		}

		multiplier, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid substitution multiplier in %q: %w", entry, err)
		}
		if multiplier.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("invalid substitution rule %q: multiplier must be positive", entry)
		}

		rules[fiat] = models.SubstitutionRule{BaseFiat: base, Multiplier: multiplier}
	}

	return rules, nil
}
