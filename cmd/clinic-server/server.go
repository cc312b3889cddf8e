package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/physiocare/clinic/internal/config"
	"github.com/physiocare/clinic/internal/domain/billing"
	"github.com/physiocare/clinic/internal/domain/identity"
	"github.com/physiocare/clinic/internal/platform/auth"
	"github.com/physiocare/clinic/internal/platform/db"
	"github.com/physiocare/clinic/internal/platform/httpx"
	"github.com/physiocare/clinic/internal/platform/middleware"
)

const (
	tokenIssuer     = "clinic"
	bodyLimit       = "1M"
	shutdownTimeout = 10 * time.Second
)

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	healthChecks := []db.HealthCheck{{Name: "postgres", Pinger: pool}}

	jwtCfg := auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret), Issuer: tokenIssuer, TTL: cfg.JWTTTL}

	// Identity
	identitySvc := identity.NewService(identity.NewPatientRepo(pool), identity.NewUserRepo(pool), jwtCfg, logger)

	// Bill store
	var (
		bills     billing.BillRepository
		sequences billing.SequenceAllocator
	)
	switch cfg.BillStore {
	case config.StoreMongo:
		store, err := billing.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer store.Close(context.Background()) //nolint:errcheck
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		bills, sequences = store.Bills(), store.Sequences()
		healthChecks = append(healthChecks, db.HealthCheck{Name: "mongo", Pinger: store})
		logger.Info().Str("database", cfg.MongoDatabase).Msg("bills stored in mongo")
	default:
		bills = billing.NewBillRepoPG(pool)
		sequences = billing.NewSequenceAllocatorPG(pool, bills)
	}

	if cfg.SequenceBackend == config.SequenceRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		sequences = billing.NewRedisSequenceAllocator(rdb, bills)
		healthChecks = append(healthChecks, db.HealthCheck{Name: "redis", Pinger: redisPinger{rdb}})
		logger.Info().Msg("bill numbers allocated from redis")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewHTTPMetrics(reg)

	billingSvc := billing.NewService(
		bills,
		sequences,
		billing.NewBillConfigRepoPG(pool),
		patientDirectory{identitySvc},
		userDirectory{identitySvc},
		logger,
		billing.Options{Retries: cfg.BillCreateRetries, Location: loc, Metrics: billing.NewMetrics(reg)},
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpx.ErrorHandler(logger, cfg.IsDev())
	e.Validator = httpx.NewValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// Auth middleware
	e.Use(auth.JWTMiddleware(jwtCfg, identitySvc))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiV1 := e.Group("/api/v1")
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("bill_store", cfg.BillStore).Str("sequence_backend", cfg.SequenceBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// redisPinger adapts a redis client to db.Pinger.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
