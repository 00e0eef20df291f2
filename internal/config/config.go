// Package config loads the engine's environment-driven settings. There is no
// config library in this lineage: os.Getenv wrapped in small typed helpers,
// same as the rest of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

// Config aggregates every env-driven setting the pipeline needs.
type Config struct {
	DryRun         bool
	InitialBalance decimal.Decimal
	ScanIntervalMs int
	OddsPrefetchMs int
	HTTPTimeoutMs  int
	MinBet         decimal.Decimal
	MaxBet         decimal.Decimal

	PrivateKey string
	APIKey     string
	APISecret  string
	Passphrase string
	Funder     string

	GammaAPIURL string
	CLOBAPIURL  string
	OracleWSURL string

	DatabaseURL string

	TelegramToken  string
	TelegramChatID int64

	LogFormat string
	Debug     bool
}

// Load reads Config from the environment, applying production defaults for
// every setting not explicitly overridden.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun:         envBool("SNIPER_DRY_RUN", true),
		InitialBalance: envDecimal("SNIPER_INITIAL_BALANCE", decimal.NewFromFloat(100)),
		ScanIntervalMs: envInt("SNIPER_SCAN_INTERVAL_MS", 100),
		OddsPrefetchMs: envInt("SNIPER_ODDS_PREFETCH_INTERVAL_MS", 100),
		HTTPTimeoutMs:  envInt("SNIPER_HTTP_TIMEOUT_MS", 2000),
		MinBet:         envDecimal("SNIPER_MIN_BET", decimal.NewFromFloat(1)),
		MaxBet:         envDecimal("SNIPER_MAX_BET", decimal.NewFromFloat(10)),

		PrivateKey: os.Getenv("POLYMARKET_PRIVATE_KEY"),
		APIKey:     os.Getenv("POLYMARKET_API_KEY"),
		APISecret:  os.Getenv("POLYMARKET_API_SECRET"),
		Passphrase: os.Getenv("POLYMARKET_PASSPHRASE"),
		Funder:     os.Getenv("POLYMARKET_FUNDER"),

		GammaAPIURL: envString("SNIPER_GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBAPIURL:  envString("SNIPER_CLOB_API_URL", "https://clob.polymarket.com"),
		OracleWSURL: envString("SNIPER_ORACLE_WS_URL", "wss://ws-live-data.polymarket.com/live-data"),

		DatabaseURL: envString("SNIPER_DATABASE_URL", "data/sniper.db"),

		TelegramToken: os.Getenv("SNIPER_TELEGRAM_TOKEN"),
		LogFormat:     envString("SNIPER_LOG_FORMAT", "console"),
		Debug:         envBool("DEBUG", false),
	}

	if chatID := os.Getenv("SNIPER_TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SNIPER_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DryRun {
		return nil
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("POLYMARKET_PRIVATE_KEY is required outside dry-run")
	}
	if c.APIKey == "" || c.APISecret == "" || c.Passphrase == "" {
		return fmt.Errorf("POLYMARKET_API_KEY, _API_SECRET and _PASSPHRASE are required outside dry-run")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
