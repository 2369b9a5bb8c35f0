package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the tick engine.
type Config struct {
	Port          string
	APIRatePerSec float64 // requests per second per client IP

	// Database
	DBPath string

	// Engine cadence
	TickInterval       time.Duration
	TickTimeout        time.Duration
	HealthCheckEvery   int           // ticks between health checks
	UnhealthyPause     time.Duration // pause after a failed health check
	MaxConcurrency     int           // accounts processed in parallel, 0 = unbounded
	PendingTimeout     time.Duration // PENDING trades older than this without a venue order fail
	CandleLimit        int
	QuoteCurrency      string
	DefaultInvestRatio float64 // share of equity when an account sets no investment amount
	SignalThreshold    float64
	MinNotional        float64

	// Rate limiter
	RateLimitCapacity int
	RateLimitRefill   float64
	RateLimitBackoff  time.Duration

	// Order executor
	OrderMaxRetries  int
	OrderBaseDelay   time.Duration
	OrderNotionalCap float64

	// Risk
	RiskProfilesPath string
	MaxDailyLossPct  float64
	MaxDrawdownPct   float64
	MaxPositionPct   float64
	MaxOpenPositions int
	DemoStartBalance float64 // seeded into an empty demo ledger

	// Binance
	BinanceTestnet bool
	BinanceBaseURL string

	// Strategy worker (gRPC); empty uses the built-in analyzer
	StrategyWorkerAddr string

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Housekeeping
	EventRetention time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/autotrader.db")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		APIRatePerSec:      getEnvFloat("API_RATE_PER_SEC", 20),
		DBPath:             dbPath,
		TickInterval:       getEnvDuration("TICK_INTERVAL", 5*time.Second),
		TickTimeout:        getEnvDuration("TICK_TIMEOUT", 5*time.Minute),
		HealthCheckEvery:   getEnvInt("HEALTH_CHECK_EVERY", 12),
		UnhealthyPause:     getEnvDuration("UNHEALTHY_PAUSE", 10*time.Second),
		MaxConcurrency:     getEnvInt("MAX_CONCURRENCY", 0),
		PendingTimeout:     getEnvDuration("PENDING_TIMEOUT", 60*time.Second),
		CandleLimit:        getEnvInt("CANDLE_LIMIT", 50),
		QuoteCurrency:      strings.ToUpper(getEnv("QUOTE_CURRENCY", "USDT")),
		DefaultInvestRatio: getEnvFloat("DEFAULT_INVEST_RATIO", 0.10),
		SignalThreshold:    getEnvFloat("SIGNAL_THRESHOLD", 0.6),
		MinNotional:        getEnvFloat("MIN_NOTIONAL", 5),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 10),
		RateLimitBackoff:   getEnvDuration("RATE_LIMIT_BACKOFF", 60*time.Second),
		OrderMaxRetries:    getEnvInt("ORDER_MAX_RETRIES", 3),
		OrderBaseDelay:     getEnvDuration("ORDER_BASE_DELAY", time.Second),
		OrderNotionalCap:   getEnvFloat("ORDER_NOTIONAL_CAP", 100000),
		RiskProfilesPath:   getEnv("RISK_PROFILES_PATH", ""),
		MaxDailyLossPct:    getEnvFloat("RISK_MAX_DAILY_LOSS_PCT", 0.05),
		MaxDrawdownPct:     getEnvFloat("RISK_MAX_DRAWDOWN_PCT", 0.10),
		MaxPositionPct:     getEnvFloat("RISK_MAX_POSITION_PCT", 0.20),
		MaxOpenPositions:   getEnvInt("RISK_MAX_OPEN_POSITIONS", 5),
		DemoStartBalance:   getEnvFloat("DEMO_START_BALANCE", 10000),
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceBaseURL:     getEnv("BINANCE_BASE_URL", ""),
		StrategyWorkerAddr: getEnv("STRATEGY_WORKER_ADDR", ""),
		TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:     int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
		EventRetention:     getEnvDuration("EVENT_RETENTION", 30*24*time.Hour),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.TickInterval < time.Second:
		return fmt.Errorf("TICK_INTERVAL must be at least 1s, got %s", c.TickInterval)
	case c.RateLimitCapacity < 2:
		return fmt.Errorf("RATE_LIMIT_CAPACITY must fit one order (2 tokens), got %d", c.RateLimitCapacity)
	case c.OrderMaxRetries < 1:
		return fmt.Errorf("ORDER_MAX_RETRIES must be positive, got %d", c.OrderMaxRetries)
	case c.DefaultInvestRatio <= 0 || c.DefaultInvestRatio > 1:
		return fmt.Errorf("DEFAULT_INVEST_RATIO must be in (0, 1], got %v", c.DefaultInvestRatio)
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

// getEnvDuration accepts Go durations ("5s") or plain seconds ("5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
