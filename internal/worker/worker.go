// Package worker consumes admitted jobs and drives them through the
// underwriting pipeline to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

const (
	actorWorker        = "underwrite_worker"
	actionJobCompleted = "job_completed"

	defaultRiskScore    = 0.43
	defaultInterestRate = 18.4
)

// Worker executes the underwriting pipeline for one job at a time.
type Worker struct {
	Store      store.Store
	Vault      *vault.Vault
	Metrics    *metrics.Metrics
	Parser     pipeline.Parser
	Collateral pipeline.Collateral
	LLM        pipeline.LLM
	Webhook    *webhook.Emitter
	Downloader *pipeline.Downloader
}

// Run consumes the queue until ctx is done, processing with the given
// number of concurrent workers.
func (w *Worker) Run(ctx context.Context, q queue.Queue, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Consume(ctx)
				if err != nil {
					if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
						log.Ctx(ctx).Error().Err(err).Msg("queue consume failed")
					}
					return
				}
				if err := w.Underwrite(ctx, task.JobID); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("job_id", task.JobID).Msg("underwrite failed")
				}
			}
		}()
	}
	wg.Wait()
}

// Underwrite runs the pipeline for a job id. Redelivery of a terminal job is
// a no-op. An error return means the job was marked failed (or could not be
// loaded) so the broker can surface the delivery as failed.
func (w *Worker) Underwrite(ctx context.Context, jobID string) error {
	logger := log.Ctx(ctx).With().Str("job_id", jobID).Logger()

	job, err := w.Store.JobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("job missing")
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("job already terminal")
		return nil
	}
	if err := w.Store.UpdateJobStatus(ctx, job.ID, store.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			return nil
		}
		return err
	}

	var payload map[string]any
	blob, err := w.Store.Payload(ctx, job.ID)
	if err == nil {
		err = w.Vault.Open(blob, &payload)
	}
	if err != nil {
		logger.Error().Err(err).Msg("payload missing or undecryptable")
		w.markFailed(ctx, job)
		return fmt.Errorf("load payload for %s: %w", job.ID, err)
	}

	start := time.Now()
	var scratch string
	defer func() {
		pipeline.Cleanup(scratch)
		metrics.ObserveSince(
			w.Metrics.UnderwriteDurationSeconds.WithLabelValues(job.TenantID, "total"), start)
	}()

	parseOut := w.parseStatement(ctx, job, payload, &scratch)
	valuation := w.valuateCollateral(ctx, job, payload)

	features := pipeline.Fuse(payload, parseOut, valuation)
	featureBlob, err := w.Vault.Seal(features)
	if err == nil {
		err = w.Store.PutFeatures(ctx, job.ID, featureBlob)
	}
	if err != nil {
		w.markFailed(ctx, job)
		return fmt.Errorf("persist features for %s: %w", job.ID, err)
	}

	ruleOutcome := pipeline.Evaluate(features)

	llmStart := time.Now()
	memo, meta, err := w.LLM.GenerateMemo(ctx, features)
	metrics.ObserveSince(w.Metrics.LLMSeconds.WithLabelValues(job.TenantID), llmStart)
	if err != nil {
		w.markFailed(ctx, job)
		return fmt.Errorf("generate memo for %s: %w", job.ID, err)
	}

	decision := meta.Decision
	if decision == "" {
		decision = ruleOutcome.Decision
	}
	risk := riskScore(features, valuation)
	interest := meta.InterestRateSuggestion
	if interest == 0 {
		interest = defaultInterestRate
	}

	tail, err := w.Vault.Seal(map[string]any{
		"rules":      ruleOutcome,
		"parser":     parseOut,
		"collateral": valuation,
	})
	if err == nil {
		err = w.Store.PutResult(ctx, store.Result{
			JobID:        job.ID,
			MemoMarkdown: memo,
			RiskScore:    &risk,
			Decision:     &decision,
			InterestRate: &interest,
			JSONTail:     tail,
		})
	}
	if err != nil {
		w.markFailed(ctx, job)
		return fmt.Errorf("persist result for %s: %w", job.ID, err)
	}

	if err := w.Store.UpdateJobStatus(ctx, job.ID, store.StatusSucceeded); err != nil {
		w.markFailed(ctx, job)
		return fmt.Errorf("finish %s: %w", job.ID, err)
	}
	audit, err := w.Store.AppendAudit(ctx, store.Audit{
		ID:     store.NewID("audit"),
		JobID:  job.ID,
		Actor:  actorWorker,
		Action: actionJobCompleted,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", job.ID, err)
	}
	logger.Info().Str("decision", decision).Msg("job completed")

	w.emitWebhook(ctx, job, features, memo, decision, interest, risk, audit.ID)
	return nil
}

func (w *Worker) parseStatement(ctx context.Context, job store.Job, payload map[string]any, scratch *string) pipeline.ParseResult {
	logger := log.Ctx(ctx).With().Str("job_id", job.ID).Logger()
	documents, _ := payload["documents"].(map[string]any)
	url, _ := documents["bank_statement_url"].(string)
	if url == "" || url == "null" {
		logger.Info().Msg("no bank statement provided")
		return placeholderParse(payload, "NOT_PROVIDED", map[string]any{"note": "No bank statement provided"})
	}

	path, err := w.Downloader.Download(ctx, url)
	if err == nil {
		*scratch = path
		err = pipeline.ValidatePDF(path)
	}
	var out pipeline.ParseResult
	if err == nil {
		parseStart := time.Now()
		out, err = w.Parser.Parse(ctx, path)
		metrics.ObserveSince(w.Metrics.ParserSeconds.WithLabelValues(job.TenantID), parseStart)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("bank statement unavailable")
		return placeholderParse(payload, "UNAVAILABLE", map[string]any{"error": "Bank statement not available"})
	}
	logger.Info().Int("rows", len(out.Rows)).Msg("bank statement processed")
	return out
}

func placeholderParse(payload map[string]any, accountNumber string, stats map[string]any) pipeline.ParseResult {
	applicant, _ := payload["applicant"].(map[string]any)
	name, _ := applicant["full_name"].(string)
	return pipeline.ParseResult{
		BankCode:      "UNKNOWN",
		CustomerName:  name,
		AccountNumber: accountNumber,
		Rows:          [][]any{},
		Stats:         stats,
	}
}

func (w *Worker) valuateCollateral(ctx context.Context, job store.Job, payload map[string]any) pipeline.Valuation {
	start := time.Now()
	out, err := w.Collateral.Valuate(ctx, payload)
	metrics.ObserveSince(w.Metrics.CollateralSeconds.WithLabelValues(job.TenantID), start)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("collateral valuation unavailable")
		return pipeline.Valuation{Currency: "MNT", Source: pipeline.SourceUnavailable, RiskScore: 0.5}
	}
	return out
}

func (w *Worker) emitWebhook(ctx context.Context, job store.Job, features map[string]any, memo, decision string, interest, risk float64, auditRef string) {
	logger := log.Ctx(ctx).With().Str("job_id", job.ID).Logger()
	tenant, err := w.Store.TenantByID(ctx, job.TenantID)
	if err != nil {
		logger.Warn().Err(err).Msg("webhook skipped: tenant lookup failed")
		w.Metrics.WebhookFailuresTotal.WithLabelValues(job.TenantID).Inc()
		return
	}

	payload := webhook.Payload{
		Event:                  webhook.EventMemoGenerated,
		JobID:                  job.ID,
		ClientJobID:            job.ClientJobID,
		Decision:               decision,
		InterestRateSuggestion: interest,
		RiskScore:              risk,
		LLMInput:               features,
		CreditMemoMarkdown:     memo,
		Attachments: []webhook.Attachment{
			{Type: "json", Name: "features.json", URL: "https://example.com/features"},
		},
		AuditRef:  auditRef,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	attempts, err := w.Webhook.Emit(ctx, job.CallbackURL, payload, tenant.WebhookSecret)
	if err != nil {
		w.Metrics.WebhookAttemptsTotal.WithLabelValues(job.TenantID, "error").Add(float64(attempts))
		w.Metrics.WebhookFailuresTotal.WithLabelValues(job.TenantID).Inc()
		logger.Warn().Err(err).Int("attempts", attempts).Msg("webhook failed")
		return
	}
	if attempts > 1 {
		w.Metrics.WebhookAttemptsTotal.WithLabelValues(job.TenantID, "error").Add(float64(attempts - 1))
	}
	w.Metrics.WebhookAttemptsTotal.WithLabelValues(job.TenantID, "success").Inc()
}

func (w *Worker) markFailed(ctx context.Context, job store.Job) {
	if err := w.Store.UpdateJobStatus(ctx, job.ID, store.StatusFailed); err != nil && !errors.Is(err, store.ErrTerminalState) {
		log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
	}
	w.Metrics.JobsFailedTotal.WithLabelValues(job.TenantID).Inc()
}

func riskScore(features map[string]any, valuation pipeline.Valuation) float64 {
	switch v := features["Risk_Score"].(type) {
	case float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	if valuation.RiskScore != 0 {
		return valuation.RiskScore
	}
	return defaultRiskScore
}
