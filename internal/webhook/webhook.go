// Package webhook delivers signed result callbacks with bounded retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
)

// SignatureHeader carries the HMAC over the exact bytes POSTed.
const SignatureHeader = "X-Softmax-Signature"

// EventMemoGenerated is the only event the gateway currently emits.
const EventMemoGenerated = "memo.generated"

// Payload is the callback body. Field order is part of the contract.
// Signature covers the body serialized without the signature field.
type Payload struct {
	Event                  string           `json:"event"`
	JobID                  string           `json:"job_id"`
	ClientJobID            string           `json:"client_job_id"`
	Decision               string           `json:"decision"`
	InterestRateSuggestion float64          `json:"interest_rate_suggestion"`
	RiskScore              float64          `json:"risk_score"`
	LLMInput               map[string]any   `json:"llm_input"`
	CreditMemoMarkdown     string           `json:"credit_memo_markdown"`
	Attachments            []Attachment     `json:"attachments"`
	AuditRef               string           `json:"audit_ref"`
	Timestamp              string           `json:"timestamp"`
	Signature              string           `json:"signature,omitempty"`
}

// Attachment references supplementary artifacts linked from the callback.
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Emitter POSTs callback payloads. Between attempts it sleeps
// backoff*attempt; a 2xx response terminates, anything else counts as a
// failed attempt.
type Emitter struct {
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration

	// sleep is swapped in tests
	sleep func(time.Duration)
}

// New returns an emitter with the given per-request timeout.
func New(timeout time.Duration, maxAttempts int, backoff time.Duration) *Emitter {
	return &Emitter{
		Client:      &http.Client{Timeout: timeout},
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
	}
}

// Sign embeds the body signature and returns the final wire bytes.
func Sign(p Payload, webhookSecret string) (Payload, []byte, error) {
	p.Signature = ""
	unsigned, err := json.Marshal(p)
	if err != nil {
		return Payload{}, nil, err
	}
	p.Signature = auth.SignPayload(unsigned, webhookSecret)
	signed, err := json.Marshal(p)
	if err != nil {
		return Payload{}, nil, err
	}
	return p, signed, nil
}

// Emit signs and delivers the payload to url. The returned attempt count
// includes the successful one; on exhaustion the last error is returned.
func (e *Emitter) Emit(ctx context.Context, url string, p Payload, webhookSecret string) (int, error) {
	_, body, err := Sign(p, webhookSecret)
	if err != nil {
		return 0, err
	}
	headerSig := auth.SignPayload(body, webhookSecret)

	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = e.post(ctx, url, body, headerSig)
		if lastErr == nil {
			return attempt, nil
		}
		log.Ctx(ctx).Warn().Err(lastErr).Int("attempt", attempt).Str("url", url).
			Msg("webhook attempt failed")
		if attempt < attempts {
			e.wait(ctx, e.Backoff*time.Duration(attempt))
		}
	}
	return attempts, lastErr
}

func (e *Emitter) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) wait(ctx context.Context, d time.Duration) {
	if e.sleep != nil {
		e.sleep(d)
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
