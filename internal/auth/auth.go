// Package auth resolves tenant credentials (API key or bearer token) to a
// tenant context, verifies inbound HMAC request signatures, and enforces
// route scopes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bilgoun/underwriting-copilot/internal/store"
)

type ctxKey string

const (
	ctxTenant  ctxKey = "tenant"
	ctxRawBody ctxKey = "rawBody"
)

// Default scopes granted to API-key callers.
var apiKeyScopes = []string{ScopeUnderwriteCreate, ScopeUnderwriteRead}

// Scope tokens guarding operations.
const (
	ScopeUnderwriteCreate = "underwrite:create"
	ScopeUnderwriteRead   = "underwrite:read"
	ScopeDashboardRead    = "dashboard:read"
	ScopeDashboardAdmin   = "dashboard:admin"
)

// Context is the authenticated tenant identity attached to a request.
type Context struct {
	TenantID      string
	TenantSecret  string
	WebhookSecret string
	RateLimitRPS  int
	Scopes        map[string]bool
}

// HasScope reports whether the context carries the scope token.
func (c Context) HasScope(scope string) bool {
	return c.Scopes[scope]
}

// MissingScopes returns the required scopes the context lacks.
func (c Context) MissingScopes(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !c.Scopes[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

// ErrUnauthenticated covers every credential failure: missing or unknown
// credentials, invalid or expired tokens. Mapped to 401 at the boundary.
var ErrUnauthenticated = errors.New("auth: authentication required")

// Authenticator resolves request credentials against the tenant store.
type Authenticator struct {
	Tenants    TenantSource
	SigningKey []byte
}

// TenantSource is the slice of the store the authenticator needs.
type TenantSource interface {
	TenantByAPIKeyHash(ctx context.Context, hash string) (store.Tenant, error)
	TenantByID(ctx context.Context, id string) (store.Tenant, error)
}

// Resolve maps the request's credentials to a tenant Context.
//
// X-Api-Key wins when present and carries the default underwrite scopes;
// otherwise a Bearer token is verified and its scope claim is honored.
func (a *Authenticator) Resolve(r *http.Request) (Context, error) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		tenant, err := a.Tenants.TenantByAPIKeyHash(r.Context(), HashSecret(apiKey))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Context{}, fmt.Errorf("%w: unknown tenant", ErrUnauthenticated)
			}
			return Context{}, err
		}
		return tenantContext(tenant, apiKeyScopes), nil
	}

	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		claims, err := a.verifyToken(h[7:])
		if err != nil {
			return Context{}, err
		}
		tenant, err := a.Tenants.TenantByID(r.Context(), claims.TenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Context{}, fmt.Errorf("%w: unknown tenant", ErrUnauthenticated)
			}
			return Context{}, err
		}
		return tenantContext(tenant, strings.Fields(claims.Scope)), nil
	}

	return Context{}, ErrUnauthenticated
}

func tenantContext(t store.Tenant, scopes []string) Context {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	return Context{
		TenantID:      t.ID,
		TenantSecret:  t.TenantSecret,
		WebhookSecret: t.WebhookSecret,
		RateLimitRPS:  t.RateLimitRPS,
		Scopes:        set,
	}
}

// WithContext stores the tenant context on the request context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxTenant, tc)
}

// FromContext retrieves the tenant context set by the auth middleware.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxTenant).(Context)
	return tc, ok
}

// WithRawBody stores the signature-verified request body.
func WithRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, ctxRawBody, body)
}

// RawBody returns the signature-verified request body, if any.
func RawBody(ctx context.Context) []byte {
	body, _ := ctx.Value(ctxRawBody).([]byte)
	return body
}
