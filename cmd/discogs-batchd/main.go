package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/crateful/discogs-batch-client/internal/api"
	"github.com/crateful/discogs-batch-client/pkg/batch"
	"github.com/crateful/discogs-batch-client/pkg/cache"
	"github.com/crateful/discogs-batch-client/pkg/fetch"
	"github.com/crateful/discogs-batch-client/pkg/logging"
	"github.com/crateful/discogs-batch-client/pkg/worker"
)

func main() {
	// .env is optional, real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
	})

	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	userAgent := getEnv("USER_AGENT", "discogs-batch-client/1.0")
	token := getEnv("DISCOGS_TOKEN", "")

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("redis_url", redisURL).Msg("Connected to Redis")

	fetcher, err := fetch.NewClient(fetch.Config{
		UserAgent: userAgent,
		Token:     token,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Discogs client")
	}

	store := cache.NewStore(redisClient, cache.Config{
		TTL:       getEnvDuration("CACHE_TTL", cache.DefaultConfig().TTL),
		KeyPrefix: cache.DefaultConfig().KeyPrefix,
	})

	poolCfg := worker.DefaultConfig()
	poolCfg.NumWorkers = getEnvInt("NUM_WORKERS", poolCfg.NumWorkers)
	if ratePerMinute := getEnvInt("RATE_PER_MINUTE", 0); ratePerMinute > 0 {
		poolCfg.RateLimitCapacity = ratePerMinute
		poolCfg.RateLimitRefill = float64(ratePerMinute) / 60.0
	}

	registry := batch.NewRegistry(fetcher, store, batch.RegistryConfig{
		Pool:      poolCfg,
		Retention: getEnvDuration("JOB_RETENTION", 30*time.Minute),
	})
	defer registry.Close()

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewServer(registry, store).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("user_agent", userAgent).
			Int("num_workers", poolCfg.NumWorkers).
			Msg("Starting batch export server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
