package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Quota: QuotaConfig{
			MonthlyLimit:     10000,
			CallBuffer:       10,
			AlertThresholdPc: 80,
		},
		Cache: CacheConfig{
			QuoteTTL:          time.Hour,
			RefreshSkipWindow: 15 * time.Minute,
			ReferenceTTL:      720 * time.Hour,
		},
		Refresh: RefreshConfig{
			Interval: time.Hour,
			Tokens:   []string{"USDC", "USDT"},
			Fiats:    []string{"USD", "NGN"},
		},
		Rates: RatesConfig{SubstitutionRules: "NGN:USD:1520.0"},
	}
}

func TestParseSubstitutionRules(t *testing.T) {
	cfg := RatesConfig{SubstitutionRules: "ngn:usd:1520.0, GHS:USD:15.6"}

	rules, err := cfg.ParseSubstitutionRules()
	if err != nil {
		t.Fatalf("Failed to parse rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules))
	}

	ngn, ok := rules["NGN"]
	if !ok {
		t.Fatal("Expected NGN rule keyed in upper case")
	}
	if ngn.BaseFiat != "USD" {
		t.Errorf("Expected base USD, got %s", ngn.BaseFiat)
	}
	if !ngn.Multiplier.Equal(decimal.RequireFromString("1520.0")) {
		t.Errorf("Expected multiplier 1520.0, got %s", ngn.Multiplier)
	}
}

func TestParseSubstitutionRulesEmpty(t *testing.T) {
	cfg := RatesConfig{SubstitutionRules: ""}

	rules, err := cfg.ParseSubstitutionRules()
	if err != nil {
		t.Fatalf("Expected empty table, got error: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("Expected no rules, got %d", len(rules))
	}
}

func TestParseSubstitutionRulesInvalid(t *testing.T) {
	cases := []string{
		"NGN:USD",
		"NGN:NGN:5",
		"NGN:USD:abc",
		"NGN:USD:0",
		"NGN:USD:-2",
		":USD:5",
		"NGN:USD:5:extra",
	}

	for _, raw := range cases {
		cfg := RatesConfig{SubstitutionRules: raw}
		if _, err := cfg.ParseSubstitutionRules(); err == nil {
			t.Errorf("Expected error for rule %q, got none", raw)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Expected valid config to pass, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero monthly limit", func(c *Config) { c.Quota.MonthlyLimit = 0 }},
		{"buffer at limit", func(c *Config) { c.Quota.CallBuffer = c.Quota.MonthlyLimit }},
		{"negative buffer", func(c *Config) { c.Quota.CallBuffer = -1 }},
		{"threshold over 100", func(c *Config) { c.Quota.AlertThresholdPc = 101 }},
		{"zero quote TTL", func(c *Config) { c.Cache.QuoteTTL = 0 }},
		{"skip window exceeds TTL", func(c *Config) { c.Cache.RefreshSkipWindow = 2 * time.Hour }},
		{"zero refresh interval", func(c *Config) { c.Refresh.Interval = 0 }},
		{"no tokens", func(c *Config) { c.Refresh.Tokens = nil }},
		{"no fiats", func(c *Config) { c.Refresh.Fiats = nil }},
		{"bad substitution rules", func(c *Config) { c.Rates.SubstitutionRules = "NGN:USD" }},
		{"telegram token without chat", func(c *Config) { c.Telegram.BotToken = "123:abc" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s, got none", tc.name)
			}
		})
	}
}
