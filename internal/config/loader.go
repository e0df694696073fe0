package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is
// empty or the file does not exist), merges it on top of the built-in
// defaults, applies CEDIBETS_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CEDIBETS_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject connection strings at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "CEDIBETS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CEDIBETS_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "CEDIBETS_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "CEDIBETS_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.URL, "CEDIBETS_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias

	setStr(&cfg.Redis.URL, "CEDIBETS_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setDuration(&cfg.Redis.CacheTTL, "CEDIBETS_REDIS_CACHE_TTL")

	setInt64(&cfg.Market.FeeBps, "CEDIBETS_MARKET_FEE_BPS")
	setStr(&cfg.Market.CollateralToken, "CEDIBETS_MARKET_COLLATERAL_TOKEN")
	setBool(&cfg.Market.FaucetEnabled, "CEDIBETS_MARKET_FAUCET_ENABLED")

	setInt64(&cfg.Policy.Premium, "CEDIBETS_POLICY_PREMIUM")
	setInt64(&cfg.Policy.Payout, "CEDIBETS_POLICY_PAYOUT")

	setDuration(&cfg.Chain.ConfirmLatency, "CEDIBETS_CHAIN_CONFIRM_LATENCY")

	setStr(&cfg.LogLevel, "CEDIBETS_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
