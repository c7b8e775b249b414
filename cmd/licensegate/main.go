// Package main is the entry point for the license gate service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"licensegate/internal/api"
	"licensegate/internal/auth"
	"licensegate/internal/config"
	"licensegate/internal/logger"
	"licensegate/internal/metrics"
	"licensegate/internal/ratelimit"
	"licensegate/internal/resolver"
	"licensegate/internal/store"
	"licensegate/internal/usage"
	"licensegate/internal/wpclient"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
		Encoding:    cfg.Logger.Encoding,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Log
	log.Info("Starting license gate",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("metrics_addr", cfg.Metrics.Addr))

	if cfg.Auth.SharedSecret == "" {
		log.Warn("No shared secret configured, lifecycle endpoints will reject all callers")
	}

	// Initialize MySQL connection
	db, err := store.Open(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to MySQL", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to MySQL")

	st := store.New(db, cfg.Database.QueryTimeout)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatal("Failed to ensure schema", zap.Error(err))
	}

	// Redis is required: the limiter fails closed and the auth cache degrades
	// to storage lookups, but the process must still start and reject cleanly
	// when Redis is down.
	redisClient := initRedis(&cfg.Redis)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Warn("Redis unreachable at startup, rate-limited endpoints will reject", zap.Error(err))
	} else {
		log.Info("Connected to Redis")
	}

	// Initialize components
	m := metrics.New()

	limiter := ratelimit.New(redisClient, ratelimit.Limits{
		WindowSeconds: cfg.Rate.WindowSeconds,
		IPLimit:       cfg.Rate.IPLimit,
		LicenseKey:    cfg.Rate.LicenseKeyLimit,
	}, m)

	gateway := auth.New(
		cfg.Auth.SharedSecret,
		resolver.New(st),
		resolver.NewMatcher(st),
		redisClient,
		cfg.Auth.CacheTTL,
		m,
	)

	meter, err := usage.New(st, cfg.Metering.WorkerPoolSize, m)
	if err != nil {
		log.Fatal("Failed to create usage meter", zap.Error(err))
	}
	defer meter.Close()

	delegate := wpclient.New(&cfg.Delegate)

	server := api.New(cfg, st, limiter, gateway, meter, delegate, m)
	log.Info("API server initialized")

	// Metrics on a dedicated listener
	go func() {
		if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
			log.Error("Metrics listener failed", zap.Error(err))
		}
	}()

	// Start server in goroutine
	go func() {
		if err := server.Listen(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// initRedis initializes the Redis client.
func initRedis(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}
