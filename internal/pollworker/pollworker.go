// Package pollworker is a reference client for the pull/complete protocol.
// Tenants that cannot accept webhooks run it inside their own network: it
// pulls queued jobs over signed requests, runs the pipeline locally and
// reports outcomes back to the gateway.
package pollworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
)

// Client signs and sends pull/complete requests on behalf of one tenant.
type Client struct {
	BaseURL string
	APIKey  string
	Secret  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey, secret string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Secret:  secret,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// PulledJob is one reserved job with its decrypted submission payload.
type PulledJob struct {
	JobID   string         `json:"job_id"`
	Payload map[string]any `json:"payload"`
}

// Completion is the outcome reported back for one job.
type Completion struct {
	JobID                  string         `json:"job_id"`
	Status                 string         `json:"status"`
	Decision               *string        `json:"decision,omitempty"`
	RiskScore              *float64       `json:"risk_score,omitempty"`
	InterestRateSuggestion *float64       `json:"interest_rate_suggestion,omitempty"`
	MemoMarkdown           string         `json:"memo_markdown,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// Pull reserves up to maxJobs queued jobs.
func (c *Client) Pull(ctx context.Context, maxJobs int) ([]PulledJob, error) {
	body, err := json.Marshal(map[string]int{"max_jobs": maxJobs})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/v1/jobs/pull", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError("pull", resp)
	}

	var out struct {
		Jobs []PulledJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pull response: %w", err)
	}
	return out.Jobs, nil
}

// Complete reports an outcome for one reserved job.
func (c *Client) Complete(ctx context.Context, comp Completion) error {
	body, err := json.Marshal(comp)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/v1/jobs/complete", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError("complete", resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.APIKey)
	req.Header.Set("X-Signature", auth.SignPayload(body, c.Secret))
	return c.HTTP.Do(req)
}

func responseError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, snippet)
}

// Runner drives the poll loop: pull, process locally, complete. Statement
// parsing stays on the gateway side; the local pipeline covers collateral,
// fusion, rules and the memo.
type Runner struct {
	Client     *Client
	Collateral pipeline.Collateral
	LLM        pipeline.LLM
	MaxJobs    int
	Interval   time.Duration
}

// Run polls until ctx is done. Pull failures are logged and retried on the
// next tick.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		jobs, err := r.Client.Pull(ctx, r.MaxJobs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Ctx(ctx).Error().Err(err).Msg("pull failed")
		}
		for _, job := range jobs {
			comp := r.Process(ctx, job)
			if err := r.Client.Complete(ctx, comp); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("job_id", job.JobID).Msg("complete failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process runs the local pipeline for one pulled job. Errors degrade to a
// failed completion rather than aborting the loop.
func (r *Runner) Process(ctx context.Context, job PulledJob) Completion {
	logger := log.Ctx(ctx).With().Str("job_id", job.JobID).Logger()

	valuation, err := r.Collateral.Valuate(ctx, job.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("collateral valuation unavailable")
		valuation = pipeline.Valuation{Currency: "MNT", Source: pipeline.SourceUnavailable, RiskScore: 0.5}
	}

	parse := pipeline.ParseResult{
		BankCode:      "UNKNOWN",
		AccountNumber: "NOT_PROVIDED",
		Rows:          [][]any{},
		Stats:         map[string]any{"note": "statement parsing not available in polling mode"},
	}
	if applicant, ok := job.Payload["applicant"].(map[string]any); ok {
		parse.CustomerName, _ = applicant["full_name"].(string)
	}

	features := pipeline.Fuse(job.Payload, parse, valuation)
	rules := pipeline.Evaluate(features)

	memo, meta, err := r.LLM.GenerateMemo(ctx, features)
	if err != nil {
		logger.Error().Err(err).Msg("memo generation failed")
		return Completion{JobID: job.JobID, Status: "failed"}
	}

	decision := meta.Decision
	if decision == "" {
		decision = rules.Decision
	}
	risk := valuation.RiskScore
	if f, ok := features["Risk_Score"].(float64); ok {
		risk = f
	}
	interest := meta.InterestRateSuggestion

	logger.Info().Str("decision", decision).Msg("job processed")
	return Completion{
		JobID:                  job.JobID,
		Status:                 "succeeded",
		Decision:               &decision,
		RiskScore:              &risk,
		InterestRateSuggestion: &interest,
		MemoMarkdown:           memo,
		Metadata:               map[string]any{"rules": rules, "collateral": valuation},
	}
}
