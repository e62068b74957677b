// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - REDIS_URL: Redis connection string for the shared cache
//     (default "redis://localhost:6379/0").
//   - ENVIRONMENT: environment the server evaluates flags for
//     (default "production").
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name (default "info").
//   - CACHE_TTL: TTL for cached flag configurations and evaluation
//     results (default "5m", must be > 0 if set).
//   - INVALIDATION_SCAN_SIZE: SCAN batch size used when purging cached
//     evaluation results (default "100", must be > 0 if set).
//   - AUTH_RATE_LIMIT: max failed authentication attempts per second per
//     client (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisURL              = "redis://localhost:6379/0"
	defaultEnvironment           = "production"
	defaultHTTPAddr              = ":8080"
	defaultCacheTTL              = 5 * time.Minute
	defaultInvalidationScanSize  = 100
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the flaggate server.
type Config struct {
	DatabaseURL          string
	RedisURL             string
	Environment          string
	HTTPAddr             string
	LogLevel             string
	CacheTTL             time.Duration
	InvalidationScanSize int
	AuthRateLimit        int
	MaxJSONBodySize      int64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	cacheTTL := defaultCacheTTL
	if value := strings.TrimSpace(os.Getenv("CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_TTL must be > 0")
		}
		cacheTTL = parsed
	}

	invalidationScanSize := defaultInvalidationScanSize
	if value := strings.TrimSpace(os.Getenv("INVALIDATION_SCAN_SIZE")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("INVALIDATION_SCAN_SIZE must be a positive integer")
		}
		invalidationScanSize = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:          databaseURL,
		RedisURL:             envOrDefault("REDIS_URL", defaultRedisURL),
		Environment:          envOrDefault("ENVIRONMENT", defaultEnvironment),
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		CacheTTL:             cacheTTL,
		InvalidationScanSize: invalidationScanSize,
		AuthRateLimit:        authRateLimit,
		MaxJSONBodySize:      maxJSONBodySize,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
