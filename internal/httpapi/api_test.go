package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

func TestUnderwriteHappyPath(t *testing.T) {
	var mu sync.Mutex
	var callbacks [][]byte
	var headerSig string
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		callbacks = append(callbacks, body)
		headerSig = r.Header.Get(webhook.SignatureHeader)
		mu.Unlock()
	}))
	defer cb.Close()

	env := newTestEnv(t, 100)
	body := canonicalBody(t, env.tenant.ID, "BANK-001", cb.URL)

	w := env.signedRequest("POST", "/v1/underwrite", body, testTenantSecret, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp admissionResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "queued" || resp.JobID == "" {
		t.Fatalf("admission = %+v", resp)
	}

	env.drain(t)

	get := env.signedRequest("GET", "/v1/jobs/"+resp.JobID, nil, testTenantSecret, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("GET job = %d", get.Code)
	}
	var jobResp struct {
		Data jobView `json:"data"`
	}
	decodeJSON(t, get, &jobResp)
	if jobResp.Data.Status != "succeeded" {
		t.Fatalf("job status = %s, want succeeded", jobResp.Data.Status)
	}
	if jobResp.Data.Decision == nil || jobResp.Data.MemoMarkdown == "" {
		t.Fatalf("job view missing result fields: %+v", jobResp.Data)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(callbacks) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(callbacks))
	}
	if !auth.VerifyPayloadSignature(callbacks[0], headerSig, testWebhookSecret) {
		t.Fatal("webhook signature does not verify under ws")
	}
	var received webhook.Payload
	decodeBytes(t, callbacks[0], &received)
	if received.Event != webhook.EventMemoGenerated || received.ClientJobID != "BANK-001" {
		t.Fatalf("webhook payload = %+v", received)
	}
	if received.JobID != resp.JobID {
		t.Fatalf("webhook job id = %s, want %s", received.JobID, resp.JobID)
	}
}

func TestUnderwriteBodyReplayReturnsSameJob(t *testing.T) {
	var calls int
	var mu sync.Mutex
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer cb.Close()

	env := newTestEnv(t, 100)
	body := canonicalBody(t, env.tenant.ID, "BANK-001", cb.URL)

	first := env.signedRequest("POST", "/v1/underwrite", body, testTenantSecret, nil)
	env.drain(t)
	second := env.signedRequest("POST", "/v1/underwrite", body, testTenantSecret, nil)
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}

	var a, b admissionResponse
	decodeJSON(t, first, &a)
	decodeJSON(t, second, &b)
	if a.JobID != b.JobID {
		t.Fatalf("replay created a new job: %s vs %s", a.JobID, b.JobID)
	}

	jobs, _ := env.store.ListJobs(context.Background(), store.JobQuery{TenantID: env.tenant.ID, Limit: 10})
	if len(jobs) != 1 {
		t.Fatalf("job rows = %d, want 1", len(jobs))
	}

	env.drain(t)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("webhook emissions = %d, want 1 (replay must not re-run the job)", calls)
	}
}

func TestUnderwriteIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, 100)
	headers := map[string]string{"X-Idempotency-Key": "retry-batch-7"}

	first := env.signedRequest("POST", "/v1/underwrite",
		canonicalBody(t, env.tenant.ID, "BANK-001", "https://cb.test/uw"), testTenantSecret, headers)
	// different body bytes, same idempotency key
	second := env.signedRequest("POST", "/v1/underwrite",
		canonicalBody(t, env.tenant.ID, "BANK-002", "https://cb.test/uw"), testTenantSecret, headers)

	var a, b admissionResponse
	decodeJSON(t, first, &a)
	decodeJSON(t, second, &b)
	if a.JobID != b.JobID {
		t.Fatalf("idempotency key ignored: %s vs %s", a.JobID, b.JobID)
	}
	jobs, _ := env.store.ListJobs(context.Background(), store.JobQuery{TenantID: env.tenant.ID, Limit: 10})
	if len(jobs) != 1 {
		t.Fatalf("job rows = %d, want 1", len(jobs))
	}
}

func TestUnderwriteBadSignature(t *testing.T) {
	env := newTestEnv(t, 100)
	body := canonicalBody(t, env.tenant.ID, "BANK-001", "https://cb.test/uw")

	// signature computed over the original body, then one byte altered
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] ^= 1
	req := httptest.NewRequest("POST", "/v1/underwrite", bytesReader(tampered))
	req.Header.Set("X-Api-Key", env.apiKey)
	req.Header.Set("X-Signature", auth.SignPayload(body, testTenantSecret))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	jobs, _ := env.store.ListJobs(context.Background(), store.JobQuery{TenantID: env.tenant.ID, Limit: 10})
	if len(jobs) != 0 {
		t.Fatalf("job rows = %d, want 0", len(jobs))
	}
	if v := testutil.ToFloat64(env.server.Metrics.JobsCreatedTotal.WithLabelValues(env.tenant.ID)); v != 0 {
		t.Fatalf("jobs_created_total = %v, want 0", v)
	}
}

func TestUnderwriteRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)

	codes := map[int]int{}
	for i := 0; i < 3; i++ {
		body := canonicalBody(t, env.tenant.ID, fmt.Sprintf("BANK-%03d", i), "https://cb.test/uw")
		w := env.signedRequest("POST", "/v1/underwrite", body, testTenantSecret, nil)
		codes[w.Code]++
	}
	if codes[http.StatusAccepted] != 2 || codes[http.StatusTooManyRequests] != 1 {
		t.Fatalf("codes = %v, want two 202 and one 429", codes)
	}
}

func TestUnderwriteTenantMismatch(t *testing.T) {
	env := newTestEnv(t, 100)
	other := env.addTenant(t, "Golomt Bank", "gb-key")

	body := canonicalBody(t, other.ID, "BANK-001", "https://cb.test/uw")
	w := env.signedRequest("POST", "/v1/underwrite", body, testTenantSecret, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetJobCrossTenantIsNotFound(t *testing.T) {
	env := newTestEnv(t, 100)
	env.addTenant(t, "Golomt Bank", "gb-key")

	w := env.signedRequest("POST", "/v1/underwrite",
		canonicalBody(t, env.tenant.ID, "BANK-001", "https://cb.test/uw"), testTenantSecret, nil)
	var resp admissionResponse
	decodeJSON(t, w, &resp)

	req := httptest.NewRequest("GET", "/v1/jobs/"+resp.JobID, nil)
	req.Header.Set("X-Api-Key", "gb-key")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant GET = %d, want 404", rec.Code)
	}
}

func TestUnderwriteRequiresCreateScope(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.token(t, env.tenant, auth.ScopeUnderwriteRead)

	body := canonicalBody(t, env.tenant.ID, "BANK-001", "https://cb.test/uw")
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/underwrite", bytesReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Signature", auth.SignPayload(body, testTenantSecret))
	env.router.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestOAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t, 100)

	body := []byte(`{"grant_type":"client_credentials","client_id":"kb-client","client_secret":"kb-secret"}`)
	req := httptest.NewRequest("POST", "/oauth/token", bytesReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	decodeJSON(t, w, &resp)
	if resp.TokenType != "bearer" || resp.AccessToken == "" || resp.ExpiresIn != 3600 {
		t.Fatalf("token response = %+v", resp)
	}

	get := env.bearerRequest(t, "GET", "/v1/jobs/uwo_missing0000000000", resp.AccessToken, nil)
	if get.Code != http.StatusNotFound {
		t.Fatalf("authenticated GET = %d, want 404 for missing job", get.Code)
	}
}

func TestOAuthRejectsUnsupportedGrant(t *testing.T) {
	env := newTestEnv(t, 100)
	body := []byte(`{"grant_type":"password","client_id":"kb-client","client_secret":"kb-secret"}`)
	req := httptest.NewRequest("POST", "/oauth/token", bytesReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, 100)
	body := []byte(`{"grant_type":"client_credentials","client_id":"kb-client","client_secret":"wrong"}`)
	req := httptest.NewRequest("POST", "/oauth/token", bytesReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestPollingPullAndComplete(t *testing.T) {
	env := newTestEnv(t, 100)
	for i := 0; i < 2; i++ {
		w := env.signedRequest("POST", "/v1/underwrite",
			canonicalBody(t, env.tenant.ID, fmt.Sprintf("BANK-%03d", i), "https://cb.test/uw"),
			testTenantSecret, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("admission %d = %d", i, w.Code)
		}
	}

	// two concurrent pollers must receive disjoint jobs
	pullBody := []byte(`{"max_jobs":1}`)
	type pullResp struct {
		Jobs []pulledJob `json:"jobs"`
	}
	results := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := env.signedRequest("POST", "/v1/jobs/pull", pullBody, testTenantSecret, nil)
			if w.Code != http.StatusOK {
				t.Errorf("pull = %d", w.Code)
				return
			}
			var resp pullResp
			decodeJSON(t, w, &resp)
			if len(resp.Jobs) != 1 {
				t.Errorf("pulled %d jobs, want 1", len(resp.Jobs))
				return
			}
			if resp.Jobs[0].Payload["job_id"] == nil {
				t.Error("pulled payload not decrypted")
			}
			results <- resp.Jobs[0].JobID
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for id := range results {
		if seen[id] {
			t.Fatalf("job %s handed to two pollers", id)
		}
		seen[id] = true
	}
	if len(seen) != 2 {
		t.Fatalf("pollers received %d distinct jobs, want 2", len(seen))
	}

	for id := range seen {
		job, _ := env.store.JobByID(context.Background(), id)
		if job.Status != store.StatusProcessing {
			t.Fatalf("job %s status = %s, want processing", id, job.Status)
		}
		completeBody := []byte(fmt.Sprintf(
			`{"job_id":%q,"status":"succeeded","decision":"APPROVE","risk_score":0.2,"interest_rate_suggestion":16.8,"memo_markdown":"## memo","metadata":{"source":"external"}}`, id))
		w := env.signedRequest("POST", "/v1/jobs/complete", completeBody, testTenantSecret, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("complete = %d, body %s", w.Code, w.Body.String())
		}
		job, _ = env.store.JobByID(context.Background(), id)
		if job.Status != store.StatusSucceeded {
			t.Fatalf("job %s status = %s, want succeeded", id, job.Status)
		}
		result, err := env.store.ResultByJobID(context.Background(), id)
		if err != nil || result.Decision == nil || *result.Decision != "APPROVE" {
			t.Fatalf("result = %+v, %v", result, err)
		}
		audits, _ := env.store.AuditsByJobID(context.Background(), id)
		var found bool
		for _, a := range audits {
			if a.Actor == "polling_worker" && a.Action == "job_complete" {
				found = true
			}
		}
		if !found {
			t.Fatalf("job_complete audit missing for %s", id)
		}
	}
}

func TestPullValidatesMaxJobs(t *testing.T) {
	env := newTestEnv(t, 100)
	for _, body := range []string{`{"max_jobs":0}`, `{"max_jobs":6}`} {
		w := env.signedRequest("POST", "/v1/jobs/pull", []byte(body), testTenantSecret, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("pull %s = %d, want 400", body, w.Code)
		}
	}
}

func TestCompleteTerminalJobConflicts(t *testing.T) {
	env := newTestEnv(t, 100)
	w := env.signedRequest("POST", "/v1/underwrite",
		canonicalBody(t, env.tenant.ID, "BANK-001", "https://cb.test/uw"), testTenantSecret, nil)
	var resp admissionResponse
	decodeJSON(t, w, &resp)

	complete := func() *httptest.ResponseRecorder {
		body := []byte(fmt.Sprintf(`{"job_id":%q,"status":"failed"}`, resp.JobID))
		return env.signedRequest("POST", "/v1/jobs/complete", body, testTenantSecret, nil)
	}
	if first := complete(); first.Code != http.StatusOK {
		t.Fatalf("first complete = %d", first.Code)
	}
	if second := complete(); second.Code != http.StatusConflict {
		t.Fatalf("second complete = %d, want 409", second.Code)
	}
}

func TestWebhookTestEndpoint(t *testing.T) {
	var received []byte
	var sig string
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(webhook.SignatureHeader)
	}))
	defer cb.Close()

	env := newTestEnv(t, 100)
	body := []byte(fmt.Sprintf(`{"url":%q}`, cb.URL))
	w := env.signedRequest("POST", "/v1/webhooks/test", body, testTenantSecret, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Delivered bool `json:"delivered"`
		Attempts  int  `json:"attempts"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Delivered || resp.Attempts != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if !auth.VerifyPayloadSignature(received, sig, testWebhookSecret) {
		t.Fatal("test webhook signature does not verify")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)
	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, w.Code)
		}
		var resp map[string]string
		decodeJSON(t, w, &resp)
		if resp["status"] != want {
			t.Fatalf("%s status = %q, want %q", path, resp["status"], want)
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, 100)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("request id echoed = %q, want req-123", got)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id not assigned")
	}
}
