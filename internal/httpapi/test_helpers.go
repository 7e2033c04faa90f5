package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/config"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
	"github.com/bilgoun/underwriting-copilot/internal/queue"
	"github.com/bilgoun/underwriting-copilot/internal/ratelimit"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
	"github.com/bilgoun/underwriting-copilot/internal/worker"
)

// testEnv wires a full in-process gateway: memory store and queue, sandbox
// pipeline, real router. Tests drive it end to end through httptest.
type testEnv struct {
	server *Server
	router http.Handler
	store  *store.Memory
	queue  *queue.Memory
	vault  *vault.Vault
	worker *worker.Worker
	tenant store.Tenant
	apiKey string
}

const (
	testAPIKey        = "kb-api-key"
	testTenantSecret  = "ts"
	testWebhookSecret = "ws"
)

func newTestEnv(t *testing.T, rps int) *testEnv {
	t.Helper()

	v, err := vault.New("test-encryption-key")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	m := store.NewMemory()
	tenant, err := m.CreateTenant(context.Background(), store.Tenant{
		Name:                  "Khan Bank",
		APIKeyHash:            auth.HashSecret(testAPIKey),
		OAuthClientID:         "kb-client",
		OAuthClientSecretHash: auth.HashSecret("kb-secret"),
		TenantSecret:          testTenantSecret,
		WebhookSecret:         testWebhookSecret,
		RateLimitRPS:          rps,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	cfg := &config.Config{
		Env:             "test",
		TokenTTL:        time.Hour,
		RequestIDHeader: "X-Request-Id",
	}
	q := queue.NewMemory(64)
	t.Cleanup(q.Close)
	mx := metrics.New()
	emitter := webhook.New(time.Second, 3, time.Millisecond)
	authn := &auth.Authenticator{Tenants: m, SigningKey: []byte("test-encryption-key")}

	srv := &Server{
		Config:   cfg,
		Store:    m,
		Vault:    v,
		Queue:    q,
		Auth:     authn,
		Limiter:  ratelimit.New(),
		Metrics:  mx,
		Webhook:  emitter,
		Validate: validator.New(),
	}
	w := &worker.Worker{
		Store:      m,
		Vault:      v,
		Metrics:    mx,
		Parser:     pipeline.SandboxParser{},
		Collateral: pipeline.SandboxCollateral{},
		LLM:        pipeline.SandboxLLM{},
		Webhook:    emitter,
		Downloader: pipeline.NewDownloader(t.TempDir(), time.Second),
	}

	return &testEnv{
		server: srv,
		router: srv.Routes(),
		store:  m,
		queue:  q,
		vault:  v,
		worker: w,
		tenant: tenant,
		apiKey: testAPIKey,
	}
}

// addTenant seeds a second tenant for isolation tests.
func (e *testEnv) addTenant(t *testing.T, name, apiKey string) store.Tenant {
	t.Helper()
	tenant, err := e.store.CreateTenant(context.Background(), store.Tenant{
		Name:          name,
		APIKeyHash:    auth.HashSecret(apiKey),
		TenantSecret:  "other-ts",
		WebhookSecret: "other-ws",
		RateLimitRPS:  100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return tenant
}

// drain runs the worker over everything currently queued.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		task, err := e.queue.Consume(ctx)
		cancel()
		if err != nil {
			return
		}
		if err := e.worker.Underwrite(context.Background(), task.JobID); err != nil {
			t.Fatalf("worker: %v", err)
		}
	}
}

// canonicalBody builds a valid submission body.
func canonicalBody(t *testing.T, tenantID, clientJobID, callbackURL string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"job_id":    clientJobID,
		"tenant_id": tenantID,
		"applicant": map[string]any{
			"citizen_id": "УП99887766",
			"full_name":  "Бат-Эрдэнэ",
			"phone":      "99112233",
		},
		"loan": map[string]any{"type": "consumer", "amount": 25000000, "term_months": 24},
		"consent_artifact": map[string]any{
			"provider":   "dan",
			"reference":  "consent-001",
			"scopes":     []string{"credit", "social"},
			"issued_at":  "2026-08-01T00:00:00Z",
			"expires_at": "2026-09-01T00:00:00Z",
			"hash":       "abc123",
		},
		"third_party_data": map[string]any{
			"mongolbank_credit": map[string]any{"active_loans": 1},
		},
		"documents":    map[string]any{"bank_statement_url": nil},
		"collateral":   map[string]any{"type": "apartment", "declared_value": 180000000},
		"callback_url": callbackURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// signedRequest issues a request with API-key auth and a body HMAC.
func (e *testEnv) signedRequest(method, path string, body []byte, secret string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", e.apiKey)
	req.Header.Set("X-Signature", auth.SignPayload(body, secret))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// bearerRequest issues a request with a bearer token.
func (e *testEnv) bearerRequest(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// token mints a bearer token for the env tenant with the given scopes.
func (e *testEnv) token(t *testing.T, tenant store.Tenant, scopes ...string) string {
	t.Helper()
	token, err := e.server.Auth.IssueAccessToken(tenant, scopes, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return token
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response (%d %s): %v", w.Code, w.Body.String(), err)
	}
}

func decodeBytes(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
