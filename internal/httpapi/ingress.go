package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/store"
)

// underwriteRequest is the canonical submission. Free-form regions stay
// opaque; only fields the gateway reasons about are typed.
type underwriteRequest struct {
	JobID     string `json:"job_id" validate:"required"`
	TenantID  string `json:"tenant_id" validate:"required"`
	Applicant struct {
		CitizenID string `json:"citizen_id" validate:"required"`
		FullName  string `json:"full_name" validate:"required"`
		Phone     string `json:"phone" validate:"required"`
	} `json:"applicant" validate:"required"`
	Loan struct {
		Type       string  `json:"type" validate:"required"`
		Amount     float64 `json:"amount" validate:"required,gt=0"`
		TermMonths int     `json:"term_months" validate:"required,gt=0"`
	} `json:"loan" validate:"required"`
	ConsentArtifact struct {
		Provider  string   `json:"provider" validate:"required"`
		Reference string   `json:"reference" validate:"required"`
		Scopes    []string `json:"scopes" validate:"required,min=1"`
		IssuedAt  string   `json:"issued_at" validate:"required"`
		ExpiresAt string   `json:"expires_at" validate:"required"`
		Hash      string   `json:"hash" validate:"required"`
	} `json:"consent_artifact" validate:"required"`
	ThirdPartyData map[string]any `json:"third_party_data" validate:"required"`
	Documents      struct {
		BankStatementURL    *string `json:"bank_statement_url"`
		BankStatementPeriod *struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"bank_statement_period"`
	} `json:"documents"`
	Collateral  map[string]any `json:"collateral" validate:"required"`
	CallbackURL string         `json:"callback_url" validate:"required,url"`
}

type admissionResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Underwrite admits a canonical submission: validate, deduplicate, persist
// encrypted, enqueue. Replays of an idempotency key or of identical body
// bytes return the existing job.
func (s *Server) Underwrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)
	raw := auth.RawBody(ctx)

	var req underwriteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.TenantID != tc.TenantID {
		writeError(w, http.StatusBadRequest, "invalid_payload", "tenant_id does not match the authenticated tenant")
		return
	}

	idemHash := auth.HashHeader(idempotencyKey(r))
	if idemHash != nil {
		if job, err := s.Store.JobByIdempotencyKey(ctx, tc.TenantID, *idemHash); err == nil {
			writeJSON(w, http.StatusAccepted, admissionResponse{JobID: job.ID, Status: string(job.Status)})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "internal", "admission lookup failed")
			return
		}
	}

	requestHash := auth.HashBody(raw)
	if job, err := s.Store.JobByRequestHash(ctx, tc.TenantID, requestHash); err == nil {
		writeJSON(w, http.StatusAccepted, admissionResponse{JobID: job.ID, Status: string(job.Status)})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal", "admission lookup failed")
		return
	}

	// the worker consumes the generic payload shape, not the typed envelope
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	sealed, err := s.Vault.Seal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "payload encryption failed")
		return
	}

	job, err := s.Store.CreateJob(ctx, store.Job{
		ID:             store.NewID("uwo"),
		TenantID:       tc.TenantID,
		ClientJobID:    req.JobID,
		Status:         store.StatusQueued,
		IdempotencyKey: idemHash,
		CallbackURL:    req.CallbackURL,
		RequestHash:    requestHash,
	}, sealed, store.Audit{
		ID:     store.NewID("audit"),
		Actor:  "api",
		Action: "job_queued",
		Hash:   &requestHash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "duplicate_client_job_id",
				"a job with this client_job_id already exists for the tenant")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "job creation failed")
		return
	}
	s.Metrics.JobsCreatedTotal.WithLabelValues(tc.TenantID).Inc()

	if err := s.Queue.Submit(ctx, queue.Task{JobID: job.ID, TenantID: tc.TenantID}); err != nil {
		// the job row stays queued; polling workers can still pick it up
		log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("queue submit failed")
	}

	log.Ctx(ctx).Info().Str("job_id", job.ID).Str("client_job_id", job.ClientJobID).Msg("job admitted")
	writeJSON(w, http.StatusAccepted, admissionResponse{JobID: job.ID, Status: string(job.Status)})
}

// idempotencyKey reads X-Idempotency-Key with Idempotency-Key as fallback.
func idempotencyKey(r *http.Request) string {
	if v := r.Header.Get("X-Idempotency-Key"); v != "" {
		return v
	}
	return r.Header.Get("Idempotency-Key")
}
