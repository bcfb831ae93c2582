package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the controller process.
// Everything here is validated at startup and immutable afterwards.
type Config struct {
	Port string

	// Exchange connection
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
	CandleInterval   string
	RateLimitRPS     float64
	RateLimitBurst   int

	// Account-level risk
	RiskPerTradePct   float64 // equity fraction risked per trade, e.g. 0.01
	DailyLossLimitPct float64 // pause entries at/below -X% realized for the day
	MaxTradesPerDay   int
	MinBalance        float64

	// Cooldowns after a closed trade
	CooldownAfterWin  time.Duration
	CooldownAfterLoss time.Duration
	// Extended cooldown applied when an entry fill cannot be confirmed.
	CooldownUnconfirmed time.Duration

	// Reconciliation
	ReconcileInterval    time.Duration
	ReconcileMaxFailures int

	// Persistence
	StateDir    string
	JournalPath string

	// Instrument list (YAML)
	InstrumentsFile string

	// Command surface auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8090"),
		BinanceAPIKey:        getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret:     getEnv("BINANCE_API_SECRET", ""),
		BinanceTestnet:       getEnvBool("BINANCE_TESTNET", false),
		CandleInterval:       getEnv("CANDLE_INTERVAL", "5m"),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 8),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 16),
		RiskPerTradePct:      getEnvFloat("RISK_PER_TRADE_PCT", 0.01),
		DailyLossLimitPct:    getEnvFloat("DAILY_LOSS_LIMIT_PCT", 3.0),
		MaxTradesPerDay:      getEnvInt("MAX_TRADES_PER_DAY", 10),
		MinBalance:           getEnvFloat("MIN_BALANCE", 50.0),
		CooldownAfterWin:     getEnvDuration("COOLDOWN_AFTER_WIN", 0),
		CooldownAfterLoss:    getEnvDuration("COOLDOWN_AFTER_LOSS", 30*time.Minute),
		CooldownUnconfirmed:  getEnvDuration("COOLDOWN_UNCONFIRMED", 2*time.Hour),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileMaxFailures: getEnvInt("RECONCILE_MAX_FAILURES", 5),
		StateDir:             getEnv("STATE_DIR", "./data/state"),
		JournalPath:          getEnv("JOURNAL_PATH", "./data/journal.db"),
		InstrumentsFile:      getEnv("INSTRUMENTS_FILE", "instruments.yaml"),
		JWTSecret:            getEnv("JWT_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would be unsafe to trade with.
func (c *Config) Validate() error {
	if c.RiskPerTradePct <= 0 || c.RiskPerTradePct > 0.1 {
		return fmt.Errorf("config: RISK_PER_TRADE_PCT %.4f out of range (0, 0.1]", c.RiskPerTradePct)
	}
	if c.DailyLossLimitPct <= 0 {
		return fmt.Errorf("config: DAILY_LOSS_LIMIT_PCT must be positive, got %.2f", c.DailyLossLimitPct)
	}
	if c.MaxTradesPerDay <= 0 {
		return fmt.Errorf("config: MAX_TRADES_PER_DAY must be positive, got %d", c.MaxTradesPerDay)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit rps=%.1f burst=%d must be positive", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("config: RECONCILE_INTERVAL %v too short", c.ReconcileInterval)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
