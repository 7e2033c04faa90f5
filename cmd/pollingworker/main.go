package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
	"github.com/bilgoun/underwriting-copilot/internal/pollworker"
)

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

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "polling-worker").Logger()

	_ = godotenv.Load()

	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	gatewayURL := env("GATEWAY_URL", "http://localhost:8080")
	apiKey := env("GATEWAY_API_KEY", "")
	secret := env("TENANT_SECRET", "")
	if apiKey == "" || secret == "" {
		log.Fatal().Msg("GATEWAY_API_KEY and TENANT_SECRET are required")
	}

	collateralURL := env("COLLATERAL_API_URL", "")
	collateralKey := env("COLLATERAL_API_KEY", "")
	var collateral pipeline.Collateral = pipeline.SandboxCollateral{}
	if collateralURL != "" {
		collateral = pipeline.NewCollateralClient(collateralURL, collateralKey, 20*time.Second)
	}

	r := &pollworker.Runner{
		Client:     pollworker.NewClient(gatewayURL, apiKey, secret, 30*time.Second),
		Collateral: collateral,
		LLM:        pipeline.SandboxLLM{},
		MaxJobs:    envInt("MAX_JOBS", 5),
		Interval:   time.Duration(envInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("gateway", gatewayURL).Int("max_jobs", r.MaxJobs).Msg("polling worker started")
	r.Run(ctx)
	log.Info().Msg("polling worker stopped")
}
