package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the service.
type Config struct {
	Port        string
	CORSOrigins []string

	// Database
	DBDriver    string // "sqlite" (default) or "postgres"
	DBPath      string
	PostgresDSN string

	// Auth
	JWTSecret   string
	AdminEmails []string

	// Logging / localization
	LogLevel  string
	LogFormat string
	Language  string // "en" or "zh"

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileBatch    int

	// Redis leader lock (optional)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Trading rules
	TiersFile          string
	Instruments        []string
	MinStake           decimal.Decimal
	MaxStake           decimal.Decimal
	MaxActivePositions int
	SignupBonus        decimal.Decimal

	// Price display
	EnablePriceFeed bool
	UseMockFeed     bool
	PriceCacheTTL   time.Duration

	// gRPC health (optional)
	GRPCHealthAddr string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/tradesim.db")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		CORSOrigins:        splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:             dbPath,
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		AdminEmails:        splitAndTrim(strings.ToLower(os.Getenv("ADMIN_EMAILS"))),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		Language:           getEnv("LANGUAGE", "en"),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Second),
		ReconcileBatch:     getEnvInt("RECONCILE_BATCH", 200),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		TiersFile:          os.Getenv("TIERS_FILE"),
		Instruments:        splitAndTrim(os.Getenv("INSTRUMENTS")),
		MinStake:           getEnvDecimal("MIN_STAKE", decimal.NewFromInt(1)),
		MaxStake:           getEnvDecimal("MAX_STAKE", decimal.NewFromInt(100000)),
		MaxActivePositions: getEnvInt("MAX_ACTIVE_POSITIONS", 20),
		SignupBonus:        getEnvDecimal("SIGNUP_BONUS", decimal.Zero),
		EnablePriceFeed:    getEnv("ENABLE_PRICE_FEED", "false") == "true",
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		PriceCacheTTL:      getEnvDuration("PRICE_CACHE_TTL", 10*time.Second),
		GRPCHealthAddr:     os.Getenv("GRPC_HEALTH_ADDR"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.MaxStake.LessThan(c.MinStake) {
		return fmt.Errorf("MAX_STAKE %s is below MIN_STAKE %s", c.MaxStake, c.MinStake)
	}
	if c.SignupBonus.IsNegative() {
		return fmt.Errorf("SIGNUP_BONUS must not be negative")
	}
	return nil
}

// IsAdminEmail reports whether email is configured as an operator.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range c.AdminEmails {
		if e == email {
			return true
		}
	}
	return false
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

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
