// Package config loads server configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the settlement server.
type Config struct {
	Port string

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	SeedBalance  decimal.Decimal
	MinLiquidity decimal.Decimal
}

// Load reads configuration from environment variables. A .env file in
// the working directory is loaded first if present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		CacheTTL:     getEnvDuration("CACHE_TTL", 30*time.Second),
		SeedBalance:  getEnvDecimal("SEED_BALANCE", decimal.NewFromInt(1000)),
		MinLiquidity: getEnvDecimal("MIN_LIQUIDITY", decimal.NewFromInt(100)),
	}

	if cfg.SeedBalance.IsNegative() {
		return nil, fmt.Errorf("SEED_BALANCE must not be negative, got %s", cfg.SeedBalance)
	}
	if !cfg.MinLiquidity.IsPositive() {
		return nil, fmt.Errorf("MIN_LIQUIDITY must be positive, got %s", cfg.MinLiquidity)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
