// Package main is the entry point for the flaggate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Connect to Redis for the shared flag cache.
//  4. Create the repository, audit log, and evaluation engine.
//  5. Wire up bearer-token authentication backed by stored API keys.
//  6. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jurisai/flaggate/internal/cache"
	"github.com/jurisai/flaggate/internal/config"
	"github.com/jurisai/flaggate/internal/engine"
	"github.com/jurisai/flaggate/internal/logging"
	"github.com/jurisai/flaggate/internal/metrics"
	"github.com/jurisai/flaggate/internal/middleware"
	"github.com/jurisai/flaggate/internal/repository"
	"github.com/jurisai/flaggate/internal/server"
	"github.com/jurisai/flaggate/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	poolMetricsInterval   = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	repo := repository.NewPostgresRepository(pool)
	auditLog := repository.NewAuditLog(repo, cfg.Environment)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	eng, err := engine.New(repo, cache.NewRedis(redisClient, cfg.InvalidationScanSize), cfg.Environment,
		engine.WithLogger(log),
		engine.WithCacheTTL(cfg.CacheTTL),
		engine.WithAudit(auditLog),
		engine.WithMetricHooks(m.EngineHooks()),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandler(eng,
		server.WithGroupResolver(repo),
		server.WithAuditReader(auditLog),
		server.WithKeyAdmin(repo),
		server.WithMetrics(m),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)

	validator := middleware.NewAPIKeyValidator(repo)
	httpHandler := middleware.RequestLogging(log)(newRootHandler(apiHandler, validator,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	// Periodically update DB pool gauges in addition to the scrape-time
	// collector, so dashboards see values even between scrapes.
	go func() {
		ticker := time.NewTicker(poolMetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat := pool.Stat()
				m.SetDBPoolStats(metrics.DBPoolStats{
					Acquired: float64(stat.AcquiredConns()),
					Idle:     float64(stat.IdleConns()),
					Total:    float64(stat.TotalConns()),
				})
			}
		}
	}()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "environment", cfg.Environment)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newRootHandler protects the API surface with bearer-token auth while
// leaving the health and metrics endpoints open for probes and scrapers.
func newRootHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protected := middleware.BearerAuth(validator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
