package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/store"
)

type jobSummary struct {
	JobID             string    `json:"job_id"`
	TenantID          string    `json:"tenant_id"`
	ClientJobID       string    `json:"client_job_id"`
	Status            string    `json:"status"`
	Decision          *string   `json:"decision"`
	RiskScore         *float64  `json:"risk_score"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	ProcessingSeconds float64   `json:"processing_seconds"`
}

type jobRollup struct {
	Total                    int      `json:"total"`
	Succeeded                int      `json:"succeeded"`
	Failed                   int      `json:"failed"`
	AverageProcessingSeconds *float64 `json:"average_processing_seconds"`
}

// jobDetail is the per-job drill-down. LLMInput is only populated on the
// admin path; tenant detail never carries features.
type jobDetail struct {
	jobSummary
	RawInput  map[string]any `json:"raw_input"`
	LLMOutput map[string]any `json:"llm_output"`
	LLMInput  map[string]any `json:"llm_input,omitempty"`
	Audits    []auditView    `json:"audit_trail"`
}

type auditView struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Hash      *string   `json:"hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantJobs lists the caller's jobs, newest first.
func (s *Server) TenantJobs(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.FromContext(r.Context())
	s.listJobs(w, r, tc.TenantID)
}

// AdminJobs lists jobs across all tenants.
func (s *Server) AdminJobs(w http.ResponseWriter, r *http.Request) {
	s.listJobs(w, r, "")
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	q := store.JobQuery{
		TenantID: tenantID,
		Status:   store.JobStatus(r.URL.Query().Get("status")),
		Limit:    parseLimit(r.URL.Query().Get("limit"), 20, 200),
	}
	if q.Status != "" && !q.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_payload", "unknown status filter")
		return
	}

	jobs, err := s.Store.ListJobs(ctx, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "job listing failed")
		return
	}

	summaries := make([]jobSummary, 0, len(jobs))
	rollup := jobRollup{}
	var processing float64
	var terminal int
	for _, job := range jobs {
		summary := s.summarize(r, job)
		summaries = append(summaries, summary)
		rollup.Total++
		switch job.Status {
		case store.StatusSucceeded:
			rollup.Succeeded++
		case store.StatusFailed:
			rollup.Failed++
		}
		if job.Status.Terminal() {
			processing += summary.ProcessingSeconds
			terminal++
		}
	}
	if terminal > 0 {
		avg := processing / float64(terminal)
		rollup.AverageProcessingSeconds = &avg
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries, "summary": rollup})
}

func (s *Server) summarize(r *http.Request, job store.Job) jobSummary {
	summary := jobSummary{
		JobID:             job.ID,
		TenantID:          job.TenantID,
		ClientJobID:       job.ClientJobID,
		Status:            string(job.Status),
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		ProcessingSeconds: job.ProcessingSeconds(),
	}
	if result, err := s.Store.ResultByJobID(r.Context(), job.ID); err == nil {
		summary.Decision = result.Decision
		summary.RiskScore = result.RiskScore
	}
	return summary
}

// TenantJobDetail returns a job drill-down without the features blob.
func (s *Server) TenantJobDetail(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.FromContext(r.Context())
	s.jobDetail(w, r, tc.TenantID, false)
}

// AdminJobDetail returns the drill-down including the features blob.
func (s *Server) AdminJobDetail(w http.ResponseWriter, r *http.Request) {
	s.jobDetail(w, r, "", true)
}

func (s *Server) jobDetail(w http.ResponseWriter, r *http.Request, tenantID string, includeFeatures bool) {
	ctx := r.Context()
	job, err := s.Store.JobByID(ctx, chi.URLParam(r, "job_id"))
	if err != nil || (tenantID != "" && job.TenantID != tenantID) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	detail := jobDetail{jobSummary: s.summarize(r, job)}

	if blob, err := s.Store.Payload(ctx, job.ID); err == nil {
		if err := s.Vault.Open(blob, &detail.RawInput); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("payload undecryptable")
			writeError(w, http.StatusInternalServerError, "internal", "payload unavailable")
			return
		}
	}

	if result, err := s.Store.ResultByJobID(ctx, job.ID); err == nil {
		output := map[string]any{
			"memo_markdown":            result.MemoMarkdown,
			"decision":                 result.Decision,
			"risk_score":               result.RiskScore,
			"interest_rate_suggestion": result.InterestRate,
		}
		if len(result.JSONTail) > 0 {
			var tail map[string]any
			if err := s.Vault.Open(result.JSONTail, &tail); err == nil {
				output["metadata"] = tail
			}
		}
		detail.LLMOutput = output
	}

	if includeFeatures {
		if blob, err := s.Store.Features(ctx, job.ID); err == nil {
			if err := s.Vault.Open(blob, &detail.LLMInput); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("job_id", job.ID).Msg("features undecryptable")
			}
		}
	}

	audits, err := s.Store.AuditsByJobID(ctx, job.ID)
	if err == nil {
		detail.Audits = make([]auditView, 0, len(audits))
		for _, a := range audits {
			detail.Audits = append(detail.Audits, auditView{
				ID: a.ID, Actor: a.Actor, Action: a.Action, Hash: a.Hash, CreatedAt: a.CreatedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"job": detail})
}

// TenantSummary aggregates the caller's jobs over a lookback window.
func (s *Server) TenantSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, _ := auth.FromContext(ctx)

	hours, ok := parseLookback(r.URL.Query().Get("lookback_hours"), 24, 168)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_payload", "lookback_hours out of range")
		return
	}

	stats, err := s.Store.TenantJobStats(ctx, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "stats unavailable")
		return
	}
	tenantStats := stats[tc.TenantID]

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":                  tc.TenantID,
		"lookback_hours":             hours,
		"total":                      tenantStats.Total,
		"succeeded":                  tenantStats.Succeeded,
		"failed":                     tenantStats.Failed,
		"average_processing_seconds": tenantStats.AvgProcessing,
	})
}

type tenantRow struct {
	TenantID       string  `json:"tenant_id"`
	Name           string  `json:"name"`
	TotalJobs24h   int     `json:"total_jobs_24h"`
	FailureRate24h float64 `json:"failure_rate_24h"`
}

// AdminTenants lists every tenant with its 24h volume and failure rate.
func (s *Server) AdminTenants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenants, err := s.Store.ListTenants(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "tenant listing failed")
		return
	}
	stats, err := s.Store.TenantJobStats(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "stats unavailable")
		return
	}

	rows := make([]tenantRow, 0, len(tenants))
	for _, t := range tenants {
		st := stats[t.ID]
		rate := 0.0
		if st.Total > 0 {
			rate = math.Round(float64(st.Failed)/float64(st.Total)*10000) / 100
		}
		rows = append(rows, tenantRow{
			TenantID:       t.ID,
			Name:           t.Name,
			TotalJobs24h:   st.Total,
			FailureRate24h: rate,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"tenants": rows})
}

func parseLookback(q string, def, max int) (int, bool) {
	if q == "" {
		return def, true
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}
