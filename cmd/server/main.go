package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/config"
	"github.com/bilgoun/underwriting-copilot/internal/db"
	"github.com/bilgoun/underwriting-copilot/internal/httpapi"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/ratelimit"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
	"github.com/bilgoun/underwriting-copilot/internal/worker"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "underwriting-gateway").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("vault init failed")
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		st = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	seedTenants(ctx, st, cfg.TenantsBootstrap)

	mx := metrics.New()

	var q queue.Queue
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rq := queue.NewRedis(redis.NewClient(opts), cfg.QueueName)
		if err := rq.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		q = rq
	} else {
		// Broker-less mode: an embedded worker drains the in-process queue.
		mem := queue.NewMemory(1024)
		defer mem.Close()
		w, err := worker.New(cfg, st, v, mx)
		if err != nil {
			log.Fatal().Err(err).Msg("worker init failed")
		}
		go w.Run(ctx, mem, cfg.WorkerConcurrency)
		log.Warn().Msg("REDIS_URL not set, running embedded worker")
		q = mem
	}

	mx.RegisterQueueDepth(cfg.QueueName, func() float64 {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := q.Depth(dctx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	srv := &httpapi.Server{
		Config:   cfg,
		Store:    st,
		Vault:    v,
		Queue:    q,
		Auth:     &auth.Authenticator{Tenants: st, SigningKey: []byte(cfg.EncryptionKey)},
		Limiter:  ratelimit.New(),
		Metrics:  mx,
		Webhook:  webhook.New(cfg.WebhookTimeout, cfg.WebhookMaxAttempts, cfg.WebhookBackoff),
		Validate: validator.New(),
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// seedTenants inserts bootstrap tenants that do not exist yet. Raw
// credentials are hashed here so the store never sees them.
func seedTenants(ctx context.Context, st store.Store, seeds []config.TenantBootstrap) {
	for _, seed := range seeds {
		hash := seed.APIKeyHash
		if hash == "" && seed.APIKey != "" {
			hash = auth.HashSecret(seed.APIKey)
		}
		if hash == "" {
			log.Warn().Str("tenant", seed.Name).Msg("bootstrap entry has no api key, skipped")
			continue
		}
		if _, err := st.TenantByAPIKeyHash(ctx, hash); err == nil {
			continue
		}

		t := store.Tenant{
			Name:          seed.Name,
			APIKeyHash:    hash,
			OAuthClientID: seed.OAuthClientID,
			TenantSecret:  seed.TenantSecret,
			WebhookSecret: seed.WebhookSecret,
			RateLimitRPS:  seed.RateLimitRPS,
		}
		if seed.OAuthClientSecret != "" {
			t.OAuthClientSecretHash = auth.HashSecret(seed.OAuthClientSecret)
		}

		created, err := st.CreateTenant(ctx, t)
		if err != nil {
			log.Error().Err(err).Str("tenant", seed.Name).Msg("tenant seeding failed")
			continue
		}
		log.Info().Str("tenant_id", created.ID).Str("name", created.Name).Msg("tenant seeded")
	}
}
