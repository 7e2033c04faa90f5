// Package httpapi exposes the gateway's HTTP surface: job ingress, the
// polling protocol, token issuance, dashboards and the ops endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/config"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/ratelimit"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Config   *config.Config
	Store    store.Store
	Vault    *vault.Vault
	Queue    queue.Queue
	Auth     *auth.Authenticator
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Webhook  *webhook.Emitter
	Validate *validator.Validate
}

// errorBody is the error envelope every non-2xx response carries.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, code int, errCode, detail string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Detail: detail}})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the router. Write routes layer auth, signature verification
// and rate limiting in that order.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.httpMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Post("/oauth/token", s.IssueToken)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(s.requireScopes(auth.ScopeUnderwriteCreate), s.verifySignature, s.rateLimit).
			Post("/v1/underwrite", s.Underwrite)

		r.With(s.requireScopes(auth.ScopeUnderwriteRead)).
			Get("/v1/jobs/{job_id}", s.GetJob)
		r.With(s.requireScopes(auth.ScopeUnderwriteRead), s.verifySignature, s.rateLimit).
			Post("/v1/jobs/pull", s.PullJobs)
		r.With(s.requireScopes(auth.ScopeUnderwriteRead), s.verifySignature).
			Post("/v1/jobs/complete", s.CompleteJob)

		r.With(s.requireScopes(auth.ScopeUnderwriteRead), s.rateLimit).
			Post("/v1/webhooks/test", s.TestWebhook)

		r.Route("/v1/dashboard", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeDashboardRead)).Group(func(r chi.Router) {
				r.Get("/tenant/jobs", s.TenantJobs)
				r.Get("/tenant/jobs/{job_id}", s.TenantJobDetail)
				r.Get("/tenant/summary", s.TenantSummary)
			})
			r.With(s.requireScopes(auth.ScopeDashboardAdmin)).Group(func(r chi.Router) {
				r.Get("/admin/tenants", s.AdminTenants)
				r.Get("/admin/jobs", s.AdminJobs)
				r.Get("/admin/jobs/{job_id}", s.AdminJobDetail)
			})
		})
	})

	return r
}
