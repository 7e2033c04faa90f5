package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
)

const maxBodyBytes = 4 << 20

// requestID assigns or propagates the request id, echoes it on the
// response, and binds it to the request logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	header := s.Config.RequestIDHeader
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(header, id)

		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// httpMetrics records the request counters and the latency histogram. The
// path label uses the chi route template so cardinality stays bounded.
func (s *Server) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unmatched"
		}
		tenantID := ""
		if tc, ok := auth.FromContext(r.Context()); ok {
			tenantID = tc.TenantID
		}
		status := strconv.Itoa(ww.Status())
		elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)

		s.Metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status, tenantID).Inc()
		s.Metrics.HTTPRequestDurationMS.WithLabelValues(r.Method, path, status, tenantID).Observe(elapsedMS)
		if ww.Status() >= 500 {
			s.Metrics.HTTPRequestErrorsTotal.WithLabelValues(r.Method, path, status, tenantID).Inc()
		}
	})
}

// authenticate resolves credentials and stores the tenant context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := s.Auth.Resolve(r)
		if err != nil {
			log.Ctx(r.Context()).Debug().Err(err).Msg("authentication failed")
			writeError(w, http.StatusUnauthorized, "unauthenticated", "valid credentials required")
			return
		}
		ctx := auth.WithContext(r.Context(), tc)
		logger := log.Ctx(ctx).With().Str("tenant_id", tc.TenantID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

// requireScopes rejects requests whose tenant context lacks any scope.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := auth.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "valid credentials required")
				return
			}
			if missing := tc.MissingScopes(scopes); missing != nil {
				writeError(w, http.StatusForbidden, "insufficient_scope",
					"missing required scopes: "+strings.Join(missing, " "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifySignature checks X-Signature against the tenant secret over the raw
// body and retains the verified bytes for downstream hashing.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "valid credentials required")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		signature := r.Header.Get("X-Signature")
		if signature == "" || !auth.VerifyPayloadSignature(body, signature, tc.TenantSecret) {
			writeError(w, http.StatusUnauthorized, "invalid_signature", "request signature missing or invalid")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithRawBody(r.Context(), body)))
	})
}

// rateLimit applies the tenant's sliding-window request allowance.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "valid credentials required")
			return
		}
		if !s.Limiter.Allow(tc.TenantID, tc.RateLimitRPS) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
