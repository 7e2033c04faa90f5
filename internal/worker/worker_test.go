package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bilgoun/underwriting-copilot/internal/auth"
	"github.com/bilgoun/underwriting-copilot/internal/metrics"
	"github.com/bilgoun/underwriting-copilot/internal/pipeline"
	"github.com/bilgoun/underwriting-copilot/internal/store"
	"github.com/bilgoun/underwriting-copilot/internal/vault"
	"github.com/bilgoun/underwriting-copilot/internal/webhook"
)

type failingParser struct{}

func (failingParser) Parse(ctx context.Context, pdfPath string) (pipeline.ParseResult, error) {
	return pipeline.ParseResult{}, errors.New("parser exploded")
}

type fixture struct {
	worker *Worker
	store  *store.Memory
	vault  *vault.Vault
	tenant store.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New("test-encryption-key")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	m := store.NewMemory()
	tenant, err := m.CreateTenant(context.Background(), store.Tenant{
		Name:          "Khan Bank",
		APIKeyHash:    auth.HashSecret("kb-key"),
		TenantSecret:  "ts",
		WebhookSecret: "ws",
		RateLimitRPS:  100,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	emitter := webhook.New(time.Second, 3, time.Millisecond)
	w := &Worker{
		Store:      m,
		Vault:      v,
		Metrics:    metrics.New(),
		Parser:     pipeline.SandboxParser{},
		Collateral: pipeline.SandboxCollateral{},
		LLM:        pipeline.SandboxLLM{},
		Webhook:    emitter,
		Downloader: pipeline.NewDownloader(t.TempDir(), time.Second),
	}
	return &fixture{worker: w, store: m, vault: v, tenant: tenant}
}

func (f *fixture) createJob(t *testing.T, payload map[string]any, callbackURL string) store.Job {
	t.Helper()
	blob, err := f.vault.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	job, err := f.store.CreateJob(context.Background(), store.Job{
		ID:          store.NewID("uwo"),
		TenantID:    f.tenant.ID,
		ClientJobID: payload["job_id"].(string),
		Status:      store.StatusQueued,
		CallbackURL: callbackURL,
		RequestHash: auth.HashBody(blob),
	}, blob, store.Audit{
		ID:     store.NewID("audit"),
		Actor:  "api",
		Action: "job_queued",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func canonicalPayload(clientJobID string) map[string]any {
	return map[string]any{
		"job_id":    clientJobID,
		"applicant": map[string]any{"citizen_id": "УП99887766", "full_name": "Бат-Эрдэнэ", "phone": "99112233"},
		"loan":      map[string]any{"type": "consumer", "amount": 25000000.0, "term_months": 24.0},
		"third_party_data": map[string]any{
			"mongolbank_credit": map[string]any{"active_loans": 1.0},
		},
		"documents":  map[string]any{"bank_statement_url": nil},
		"collateral": map[string]any{"type": "apartment", "declared_value": 180000000.0},
	}
}

func TestUnderwriteHappyPath(t *testing.T) {
	var received []byte
	var headerSig string
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		headerSig = r.Header.Get(webhook.SignatureHeader)
	}))
	defer cb.Close()

	f := newFixture(t)
	job := f.createJob(t, canonicalPayload("BANK-001"), cb.URL)

	if err := f.worker.Underwrite(context.Background(), job.ID); err != nil {
		t.Fatalf("Underwrite: %v", err)
	}

	got, err := f.store.JobByID(context.Background(), job.ID)
	if err != nil || got.Status != store.StatusSucceeded {
		t.Fatalf("job status = %s, %v, want succeeded", got.Status, err)
	}

	result, err := f.store.ResultByJobID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ResultByJobID: %v", err)
	}
	if result.Decision == nil || *result.Decision == "" {
		t.Fatal("result has no decision")
	}
	if result.MemoMarkdown == "" {
		t.Fatal("result has no memo")
	}
	var tail map[string]any
	if err := f.vault.Open(result.JSONTail, &tail); err != nil {
		t.Fatalf("json_tail decrypt: %v", err)
	}
	if _, ok := tail["rules"]; !ok {
		t.Fatalf("json_tail missing rules: %v", tail)
	}

	featBlob, err := f.store.Features(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	var features map[string]any
	if err := f.vault.Open(featBlob, &features); err != nil {
		t.Fatalf("features decrypt: %v", err)
	}
	if _, ok := features["collateral"]; !ok {
		t.Fatalf("features missing collateral section: %v", features)
	}

	if received == nil {
		t.Fatal("webhook not delivered")
	}
	if !auth.VerifyPayloadSignature(received, headerSig, "ws") {
		t.Fatal("webhook signature does not verify under the tenant webhook secret")
	}
	if auth.VerifyPayloadSignature(received, headerSig, "other") {
		t.Fatal("webhook signature verified under a foreign secret")
	}

	audits, _ := f.store.AuditsByJobID(context.Background(), job.ID)
	var completed bool
	for _, a := range audits {
		if a.Actor == "underwrite_worker" && a.Action == "job_completed" {
			completed = true
		}
	}
	if !completed {
		t.Fatalf("job_completed audit missing: %+v", audits)
	}
}

func TestUnderwriteTerminalJobIsNoOp(t *testing.T) {
	var calls atomic.Int32
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer cb.Close()

	f := newFixture(t)
	job := f.createJob(t, canonicalPayload("BANK-002"), cb.URL)
	if err := f.store.UpdateJobStatus(context.Background(), job.ID, store.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateJobStatus(context.Background(), job.ID, store.StatusFailed); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Underwrite(context.Background(), job.ID); err != nil {
		t.Fatalf("Underwrite on terminal job: %v", err)
	}
	got, _ := f.store.JobByID(context.Background(), job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, terminal state reverted", got.Status)
	}
	if calls.Load() != 0 {
		t.Fatal("webhook emitted for a terminal redelivery")
	}
}

func TestUnderwriteMissingJobIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.worker.Underwrite(context.Background(), "uwo_doesnotexist000000"); err != nil {
		t.Fatalf("Underwrite on missing job: %v", err)
	}
}

func TestUnderwriteCorruptPayloadFails(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.CreateJob(context.Background(), store.Job{
		ID:          store.NewID("uwo"),
		TenantID:    f.tenant.ID,
		ClientJobID: "BANK-003",
		Status:      store.StatusQueued,
		CallbackURL: "http://127.0.0.1:0",
		RequestHash: "h",
	}, []byte("not ciphertext"), store.Audit{ID: store.NewID("audit"), Actor: "api", Action: "job_queued"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Underwrite(context.Background(), job.ID); err == nil {
		t.Fatal("expected error for corrupt payload")
	}
	got, _ := f.store.JobByID(context.Background(), job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if v := testutil.ToFloat64(f.worker.Metrics.JobsFailedTotal.WithLabelValues(f.tenant.ID)); v != 1 {
		t.Fatalf("jobs_failed_total = %v, want 1", v)
	}
}

func TestUnderwriteParserFailureIsNonFatal(t *testing.T) {
	stmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4"))
	}))
	defer stmt.Close()
	var received []byte
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
	}))
	defer cb.Close()

	f := newFixture(t)
	f.worker.Parser = failingParser{}

	payload := canonicalPayload("BANK-004")
	payload["documents"] = map[string]any{"bank_statement_url": stmt.URL}
	job := f.createJob(t, payload, cb.URL)

	if err := f.worker.Underwrite(context.Background(), job.ID); err != nil {
		t.Fatalf("Underwrite: %v", err)
	}
	got, _ := f.store.JobByID(context.Background(), job.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded despite parser failure", got.Status)
	}
	if received == nil {
		t.Fatal("webhook not emitted")
	}

	featBlob, _ := f.store.Features(context.Background(), job.ID)
	var features map[string]any
	if err := f.vault.Open(featBlob, &features); err != nil {
		t.Fatal(err)
	}
	if _, ok := features["bank_statement"]; ok {
		t.Fatal("features contain bank-derived fields despite parser failure")
	}
	// parser_seconds still recorded
	if c := testutil.CollectAndCount(f.worker.Metrics.ParserSeconds); c == 0 {
		t.Fatal("parser_seconds not recorded")
	}
}

func TestUnderwriteWebhookExhaustionKeepsJobSucceeded(t *testing.T) {
	var calls atomic.Int32
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cb.Close()

	f := newFixture(t)
	job := f.createJob(t, canonicalPayload("BANK-005"), cb.URL)

	if err := f.worker.Underwrite(context.Background(), job.ID); err != nil {
		t.Fatalf("Underwrite: %v", err)
	}
	got, _ := f.store.JobByID(context.Background(), job.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded despite webhook failure", got.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("webhook attempts = %d, want 3", calls.Load())
	}
	m := f.worker.Metrics
	if v := testutil.ToFloat64(m.WebhookAttemptsTotal.WithLabelValues(f.tenant.ID, "error")); v != 3 {
		t.Fatalf("webhook_attempts_total{status=error} = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.WebhookFailuresTotal.WithLabelValues(f.tenant.ID)); v != 1 {
		t.Fatalf("webhook_failures_total = %v, want 1", v)
	}
}
