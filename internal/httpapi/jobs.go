package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/store"
)

type jobView struct {
	JobID                  string         `json:"job_id"`
	Status                 string         `json:"status"`
	ClientJobID            string         `json:"client_job_id"`
	Decision               *string        `json:"decision,omitempty"`
	RiskScore              *float64       `json:"risk_score,omitempty"`
	InterestRateSuggestion *float64       `json:"interest_rate_suggestion,omitempty"`
	MemoMarkdown           string         `json:"memo_markdown,omitempty"`
	MemoPDFURL             *string        `json:"memo_pdf_url,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// GetJob returns the caller's view of one job. Cross-tenant ids read as
// not-found so existence does not leak.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)

	job, err := s.Store.JobByID(ctx, chi.URLParam(r, "job_id"))
	if err != nil || job.TenantID != tc.TenantID {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	view := jobView{
		JobID:       job.ID,
		Status:      string(job.Status),
		ClientJobID: job.ClientJobID,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if result, err := s.Store.ResultByJobID(ctx, job.ID); err == nil {
		view.Decision = result.Decision
		view.RiskScore = result.RiskScore
		view.InterestRateSuggestion = result.InterestRate
		view.MemoMarkdown = result.MemoMarkdown
		view.MemoPDFURL = result.MemoPDFURL
		if len(result.JSONTail) > 0 {
			var tail map[string]any
			if err := s.Vault.Open(result.JSONTail, &tail); err == nil {
				view.Metadata = tail
			} else {
				log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("result metadata undecryptable")
				writeError(w, http.StatusInternalServerError, "internal", "result metadata unavailable")
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": view})
}

type pullRequest struct {
	MaxJobs int `json:"max_jobs"`
}

type pulledJob struct {
	JobID   string         `json:"job_id"`
	Payload map[string]any `json:"payload"`
}

// PullJobs atomically reserves the tenant's oldest queued jobs for an
// external polling worker, returning decrypted payloads.
func (s *Server) PullJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)

	var req pullRequest
	if err := json.Unmarshal(auth.RawBody(ctx), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	if req.MaxJobs < 1 || req.MaxJobs > 5 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "max_jobs must be between 1 and 5")
		return
	}

	jobs, err := s.Store.ReserveQueuedJobs(ctx, tc.TenantID, req.MaxJobs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "job reservation failed")
		return
	}

	out := make([]pulledJob, 0, len(jobs))
	for _, job := range jobs {
		blob, err := s.Store.Payload(ctx, job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "payload unavailable")
			return
		}
		var payload map[string]any
		if err := s.Vault.Open(blob, &payload); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "payload undecryptable")
			return
		}
		out = append(out, pulledJob{JobID: job.ID, Payload: payload})
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type completeRequest struct {
	JobID                  string         `json:"job_id" validate:"required"`
	Status                 string         `json:"status" validate:"required"`
	Decision               *string        `json:"decision"`
	RiskScore              *float64       `json:"risk_score"`
	InterestRateSuggestion *float64       `json:"interest_rate_suggestion"`
	MemoMarkdown           string         `json:"memo_markdown"`
	Metadata               map[string]any `json:"metadata"`
}

// CompleteJob lets a polling worker report an outcome. Succeeded completions
// persist a Result from the supplied fields; the status update refuses to
// leave terminal states.
func (s *Server) CompleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)

	var req completeRequest
	if err := json.Unmarshal(auth.RawBody(ctx), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
		return
	}
	if err := s.Validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	status := store.JobStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_payload", "status is not a valid job state")
		return
	}

	job, err := s.Store.JobByID(ctx, req.JobID)
	if err != nil || job.TenantID != tc.TenantID {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	if status == store.StatusSucceeded {
		result := store.Result{
			JobID:        job.ID,
			MemoMarkdown: req.MemoMarkdown,
			RiskScore:    req.RiskScore,
			Decision:     req.Decision,
			InterestRate: req.InterestRateSuggestion,
		}
		if req.Metadata != nil {
			tail, err := s.Vault.Seal(req.Metadata)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", "metadata encryption failed")
				return
			}
			result.JSONTail = tail
		}
		if err := s.Store.PutResult(ctx, result); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "result persistence failed")
			return
		}
	}

	if err := s.Store.UpdateJobStatus(ctx, job.ID, status); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			writeError(w, http.StatusConflict, "terminal_state", "job is already in a terminal state")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "status update failed")
		return
	}
	if _, err := s.Store.AppendAudit(ctx, store.Audit{
		ID:     store.NewID("audit"),
		JobID:  job.ID,
		Actor:  "polling_worker",
		Action: "job_complete",
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("audit append failed")
	}

	writeJSON(w, http.StatusOK, admissionResponse{JobID: job.ID, Status: string(status)})
}
