// Package config loads the read-only service configuration from the
// environment. The Config struct is built once at process start and injected
// into every component; nothing re-reads the environment afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TenantBootstrap is one entry of the tenant seed file referenced by
// TENANTS_BOOTSTRAP. Raw credentials are hashed before they reach the store.
type TenantBootstrap struct {
	Name              string `json:"name"`
	APIKey            string `json:"api_key,omitempty"`
	APIKeyHash        string `json:"api_key_hash,omitempty"`
	WebhookSecret     string `json:"webhook_secret,omitempty"`
	OAuthClientID     string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret string `json:"oauth_client_secret,omitempty"`
	TenantSecret      string `json:"tenant_secret,omitempty"`
	RateLimitRPS      int    `json:"rate_limit_rps,omitempty"`
}

// Config is the full service configuration.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string
	RedisURL    string
	QueueName   string

	// EncryptionKey seals payloads at rest and signs access tokens.
	// Required; startup aborts without it.
	EncryptionKey string

	SandboxMode bool

	TokenTTL        time.Duration
	RequestIDHeader string

	CollateralAPIURL  string
	CollateralAPIKey  string
	CollateralTimeout time.Duration

	ParserURL string

	LLMProvider string
	LLMAPIKey   string
	LLMTimeout  time.Duration

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBackoff     time.Duration

	DownloadTimeout time.Duration
	TmpDir          string

	WorkerConcurrency int

	TenantsBootstrap []TenantBootstrap
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load builds a Config from the environment. A .env file in the working
// directory is honored when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8080"),

		DatabaseURL: env("DATABASE_URL", ""),
		RedisURL:    env("REDIS_URL", ""),
		QueueName:   env("QUEUE_NAME", "underwrite:jobs"),

		EncryptionKey: env("ENCRYPTION_KEY", ""),

		SandboxMode: envBool("SANDBOX_MODE", true),

		TokenTTL:        time.Duration(envInt("OAUTH2_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		RequestIDHeader: env("REQUEST_ID_HEADER", "X-Request-Id"),

		CollateralAPIURL:  env("COLLATERAL_API_URL", "https://collateral.softmax.mn"),
		CollateralAPIKey:  env("COLLATERAL_API_KEY", ""),
		CollateralTimeout: time.Duration(envInt("COLLATERAL_TIMEOUT_SECONDS", 20)) * time.Second,

		ParserURL: env("PARSER_URL", ""),

		LLMProvider: env("LLM_PROVIDER", "sandbox"),
		LLMAPIKey:   env("LLM_API_KEY", ""),
		LLMTimeout:  time.Duration(envInt("LLM_TIMEOUT_SECONDS", 90)) * time.Second,

		WebhookTimeout:     time.Duration(envInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		WebhookMaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookBackoff:     time.Duration(envInt("WEBHOOK_BACKOFF_SECONDS", 2)) * time.Second,

		DownloadTimeout: time.Duration(envInt("DOWNLOAD_TIMEOUT_SECONDS", 30)) * time.Second,
		TmpDir:          env("TMPDIR", os.TempDir()),

		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
	}

	if cfg.EncryptionKey == "" {
		return nil, errors.New("ENCRYPTION_KEY must be set for field-level encryption")
	}

	if path := env("TENANTS_BOOTSTRAP", ""); path != "" {
		seeds, err := loadBootstrap(path)
		if err != nil {
			return nil, fmt.Errorf("load tenant bootstrap: %w", err)
		}
		cfg.TenantsBootstrap = seeds
	}

	return cfg, nil
}

func loadBootstrap(path string) ([]TenantBootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []TenantBootstrap
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}
