package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

type webhookTestRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// TestWebhook delivers a fixed sample payload to a caller-supplied URL so
// tenants can verify their receiver and signature handling before go-live.
func (s *Server) TestWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)

	var req webhookTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	sample := webhook.Payload{
		Event:                  webhook.EventMemoGenerated,
		JobID:                  "uwo_000000000000000000",
		ClientJobID:            "SAMPLE-001",
		Decision:               "REVIEW",
		InterestRateSuggestion: 18.4,
		RiskScore:              0.43,
		LLMInput:               map[string]any{"sample": true},
		CreditMemoMarkdown:     "## Sample memo",
		Attachments:            []webhook.Attachment{},
		AuditRef:               "audit_000000000000000000",
		Timestamp:              time.Now().UTC().Format(time.RFC3339),
	}

	attempts, err := s.Webhook.Emit(ctx, req.URL, sample, tc.WebhookSecret)
	if err != nil {
		s.Metrics.WebhookAttemptsTotal.WithLabelValues(tc.TenantID, "error").Add(float64(attempts))
		writeJSON(w, http.StatusOK, map[string]any{"delivered": false, "attempts": attempts, "error": err.Error()})
		return
	}
	s.Metrics.WebhookAttemptsTotal.WithLabelValues(tc.TenantID, "success").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "attempts": attempts})
}
