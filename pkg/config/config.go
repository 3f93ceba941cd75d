package config

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config holds environment-driven settings for the strategy engine.
type Config struct {
	Port        string
	DBPath      string
	JWTSecret   string
	CORSOrigins []string

	// Operator login for the API; an empty hash disables password login
	OperatorUser         string
	OperatorPasswordHash string // bcrypt

	// Worker identity and lease
	WorkerID      string
	LeaseTTL      time.Duration
	AutoResume    bool
	SweepInterval time.Duration

	// Runner loop
	TickIntervalOverride time.Duration // 0 = derive from timeframe
	WindowSize           int
	SubmitMaxAttempts    int
	SubmitBackoffBase    time.Duration
	SubmitBackoffMax     time.Duration
	SubmitTimeout        time.Duration

	// Exchange
	BinanceTestnet  bool
	OrderRatePerSec float64

	// Dry-run (paper exchange)
	DryRun            bool
	DryRunFeeRate     float64 // decimal (e.g. 0.0004 = 4 bps)
	DryRunSlippageBps float64

	// Backtests
	BacktestFeeRate     float64
	BacktestSlippageBps float64
	MaxBacktestDays     int
	DefaultCapital      float64

	// Seed file standing in for the account service
	SubscriptionsFile string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	workerID := getEnv("WORKER_ID", "")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host + "-" + uuid.NewString()[:8]
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/engine.db"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		CORSOrigins:          splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		OperatorUser:         getEnv("OPERATOR_USER", "operator"),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		WorkerID:             workerID,
		LeaseTTL:             getEnvDuration("LEASE_TTL", 30*time.Second),
		AutoResume:           getEnvBool("AUTO_RESUME", true),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Minute),
		TickIntervalOverride: getEnvDuration("TICK_INTERVAL_OVERRIDE", 0),
		WindowSize:           getEnvInt("WINDOW_SIZE", 100),
		SubmitMaxAttempts:    getEnvInt("SUBMIT_MAX_ATTEMPTS", 3),
		SubmitBackoffBase:    getEnvDuration("SUBMIT_BACKOFF_BASE", 500*time.Millisecond),
		SubmitBackoffMax:     getEnvDuration("SUBMIT_BACKOFF_MAX", 5*time.Second),
		SubmitTimeout:        getEnvDuration("SUBMIT_TIMEOUT", 15*time.Second),
		BinanceTestnet:       getEnvBool("BINANCE_TESTNET", false),
		OrderRatePerSec:      getEnvFloat("ORDER_RATE_PER_SEC", 5),
		DryRun:               getEnvBool("DRY_RUN", false),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DryRunSlippageBps:    getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		BacktestFeeRate:      getEnvFloat("BACKTEST_FEE_RATE", 0.001),
		BacktestSlippageBps:  getEnvFloat("BACKTEST_SLIPPAGE_BPS", 0),
		MaxBacktestDays:      getEnvInt("MAX_BACKTEST_DAYS", 366),
		DefaultCapital:       getEnvFloat("DEFAULT_CAPITAL", 10000),
		SubscriptionsFile:    getEnv("SUBSCRIPTIONS_FILE", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		LogFile:              getEnv("LOG_FILE", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := cast.ToDurationE(v); err == nil {
			return d
		}
	}
	return def
}
