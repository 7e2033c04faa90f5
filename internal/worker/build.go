package worker

import (
	"fmt"
	"time"

	"github.com/bilgoun/underwriting-copilot/internal/config"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

const parserTimeout = 60 * time.Second

// New assembles a Worker from config, selecting sandbox or remote pipeline
// stages. Sandbox mode forces the deterministic stages regardless of the
// remote endpoints configured.
func New(cfg *config.Config, st store.Store, v *vault.Vault, mx *metrics.Metrics) (*Worker, error) {
	var parser pipeline.Parser = pipeline.SandboxParser{}
	if !cfg.SandboxMode && cfg.ParserURL != "" {
		parser = pipeline.NewHTTPParser(cfg.ParserURL, parserTimeout)
	}

	var collateral pipeline.Collateral = pipeline.SandboxCollateral{}
	if !cfg.SandboxMode {
		collateral = pipeline.NewCollateralClient(cfg.CollateralAPIURL, cfg.CollateralAPIKey, cfg.CollateralTimeout)
	}

	var llm pipeline.LLM
	switch {
	case cfg.SandboxMode, cfg.LLMProvider == "sandbox":
		llm = pipeline.SandboxLLM{}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}

	return &Worker{
		Store:      st,
		Vault:      v,
		Metrics:    mx,
		Parser:     parser,
		Collateral: collateral,
		LLM:        llm,
		Webhook:    webhook.New(cfg.WebhookTimeout, cfg.WebhookMaxAttempts, cfg.WebhookBackoff),
		Downloader: pipeline.NewDownloader(cfg.TmpDir, cfg.DownloadTimeout),
	}, nil
}
