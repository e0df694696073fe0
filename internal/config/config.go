// Package config defines the engine's configuration and validation
// helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by CEDIBETS_* environment
// variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Market   MarketConfig   `toml:"market"`
	Policy   PolicyConfig   `toml:"policy"`
	Chain    ChainConfig    `toml:"chain"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds Redis cache parameters. An empty URL disables the
// read-through cache layer.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// MarketConfig holds trading parameters shared by all markets.
type MarketConfig struct {
	// FeeBps is the protocol fee in basis points taken on trades.
	FeeBps int64 `toml:"fee_bps"`
	// CollateralToken is the address of the unit-of-account asset.
	CollateralToken string `toml:"collateral_token"`
	// FaucetEnabled mounts the dev faucet endpoint.
	FaucetEnabled bool `toml:"faucet_enabled"`
}

// PolicyConfig holds the fixed terms for parametric-insurance policies,
// in collateral minor units (6dp).
type PolicyConfig struct {
	Premium int64 `toml:"premium"`
	Payout  int64 `toml:"payout"`
}

// ChainConfig holds submission broker parameters.
type ChainConfig struct {
	// ConfirmLatency is the artificial delay before a submitted
	// operation confirms. Zero confirms immediately.
	ConfirmLatency duration `toml:"confirm_latency"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "250ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Market: MarketConfig{
			FeeBps:          500, // 5%
			CollateralToken: "0x00000000000000000000000000000000000c0113",
			FaucetEnabled:   false,
		},
		Policy: PolicyConfig{
			Premium: 10_000_000,  // 10.00 collateral units
			Payout:  100_000_000, // 100.00 collateral units
		},
		Chain: ChainConfig{
			ConfirmLatency: duration{0},
		},
		LogLevel: "info",
	}
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if c.Market.FeeBps < 0 || c.Market.FeeBps >= 10000 {
		errs = append(errs, fmt.Sprintf("market: fee_bps must be in [0, 10000), got %d", c.Market.FeeBps))
	}
	if c.Market.CollateralToken == "" {
		errs = append(errs, "market: collateral_token must not be empty")
	}

	if c.Policy.Premium <= 0 {
		errs = append(errs, "policy: premium must be positive")
	}
	if c.Policy.Payout <= 0 {
		errs = append(errs, "policy: payout must be positive")
	}
	if c.Policy.Payout < c.Policy.Premium {
		errs = append(errs, "policy: payout must not be less than premium")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive when redis is enabled")
	}

	if c.Chain.ConfirmLatency.Duration < 0 {
		errs = append(errs, "chain: confirm_latency must not be negative")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
