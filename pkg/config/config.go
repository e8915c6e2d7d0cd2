package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the volume engine.
type Config struct {
	HTTPAddr string

	// Exchange
	ExchangeBaseURL   string
	ExchangeStreamURL string
	HTTPTimeout       time.Duration
	WSDialTimeout     time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxRetries        int

	// Tracker
	ListenKeyRenew  time.Duration
	WSMaxReconnects int

	// Caches
	CacheDir     string
	TokenTTL     time.Duration
	PrecisionTTL time.Duration

	// Strategy / scheduling
	StrategyFile  string
	ShutdownGrace time.Duration
	JanitorEvery  time.Duration

	// Risk
	RiskLocation string

	// Storage and credentials
	DBPath            string
	CredentialsFile   string
	CredentialsKeyEnv string
	ReconcileInterval time.Duration
	PollInterval      time.Duration

	// Operator API auth
	JWTSecret            string
	JWTExpiry            time.Duration
	OperatorUser         string
	OperatorPasswordHash string
	CORSOrigin           string

	// Execution
	DryRun               bool
	DryRunInitialBalance float64

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8090"),
		ExchangeBaseURL:      getEnv("EXCHANGE_BASE_URL", "https://www.binance.com"),
		ExchangeStreamURL:    getEnv("EXCHANGE_STREAM_URL", "wss://nbstream.binance.com/w3w/spot"),
		HTTPTimeout:          getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		WSDialTimeout:        getEnvDuration("WS_DIAL_TIMEOUT", 15*time.Second),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 4),
		MaxRetries:           getEnvInt("EXCHANGE_MAX_RETRIES", 3),
		ListenKeyRenew:       getEnvDuration("LISTEN_KEY_RENEW", 30*time.Minute),
		WSMaxReconnects:      getEnvInt("WS_MAX_RECONNECTS", 10),
		CacheDir:             getEnv("CACHE_DIR", "./data/cache"),
		TokenTTL:             getEnvDuration("TOKEN_TTL", 24*time.Hour),
		PrecisionTTL:         getEnvDuration("PRECISION_TTL", 24*time.Hour),
		StrategyFile:         getEnv("STRATEGY_FILE", "./configs/strategies.yaml"),
		ShutdownGrace:        getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		JanitorEvery:         getEnvDuration("JANITOR_INTERVAL", time.Minute),
		RiskLocation:         getEnv("RISK_LOCATION", "UTC"),
		DBPath:               getEnv("DB_PATH", "./data/volume.db"),
		CredentialsFile:      getEnv("CREDENTIALS_FILE", ""),
		CredentialsKeyEnv:    getEnv("CREDENTIALS_KEY_ENV", "CREDENTIALS_KEY"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		PollInterval:         getEnvDuration("FILL_POLL_INTERVAL", 2*time.Second),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		JWTExpiry:            getEnvDuration("JWT_EXPIRY", 12*time.Hour),
		OperatorUser:         getEnv("OPERATOR_USER", "admin"),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		CORSOrigin:           getEnv("CORS_ORIGIN", "*"),
		DryRun:               getEnv("DRY_RUN", "false") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:              getEnv("LOG_FILE", ""),
	}, nil
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

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
