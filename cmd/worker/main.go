package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/config"
	"github.com/bilgoun/underwriting-copilot/internal/db"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "underwriting-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	// The standalone worker shares state with the API through postgres and
	// redis; the in-memory fallbacks are per-process and useless here.
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		log.Fatal().Msg("REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("vault init failed")
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	st := store.NewPostgres(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	q := queue.NewRedis(redis.NewClient(opts), cfg.QueueName)
	if err := q.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	w, err := worker.New(cfg, st, v, metrics.New())
	if err != nil {
		log.Fatal().Err(err).Msg("worker init failed")
	}

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Str("queue", cfg.QueueName).Msg("worker started")
	w.Run(ctx, q, cfg.WorkerConcurrency)
	log.Info().Msg("worker stopped")
}
