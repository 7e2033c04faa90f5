// Package store persists the tenant and job graph. A Store interface fronts
// the Postgres implementation so tests (and broker-less deployments) can run
// against the in-memory one. Encrypted columns are opaque bytes here; the
// vault seals and opens them in the callers.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup matches nothing. Callers map it
	// to authentication failure (tenants) or 404 (jobs).
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated,
	// e.g. (tenant_id, client_job_id).
	ErrDuplicate = errors.New("store: duplicate")

	// ErrTerminalState is returned when a status update would move a job out
	// of succeeded or failed. Terminal states never revert.
	ErrTerminalState = errors.New("store: job already in terminal state")
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Tenant is immutable after bootstrap. Secrets used for equality lookup are
// stored hashed; the HMAC secrets are stored as-is because signing needs the
// raw value.
type Tenant struct {
	ID                    string
	Name                  string
	APIKeyHash            string
	OAuthClientID         string
	OAuthClientSecretHash string
	TenantSecret          string
	WebhookSecret         string
	RateLimitRPS          int
	CreatedAt             time.Time
}

// Job is the unit of work.
type Job struct {
	ID             string
	TenantID       string
	ClientJobID    string
	Status         JobStatus
	IdempotencyKey *string
	CallbackURL    string
	RequestHash    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessingSeconds is the updated-created delta, the dashboard's rough
// processing time for terminal jobs.
func (j Job) ProcessingSeconds() float64 {
	return j.UpdatedAt.Sub(j.CreatedAt).Seconds()
}

// Result is the terminal output of a job. JSONTail is encrypted per-stage
// metadata.
type Result struct {
	JobID        string
	MemoMarkdown string
	MemoPDFURL   *string
	RiskScore    *float64
	Decision     *string
	InterestRate *float64
	JSONTail     []byte
	CreatedAt    time.Time
}

// Audit is an append-only trail entry. Never mutated or deleted.
type Audit struct {
	ID        string
	JobID     string
	Actor     string
	Action    string
	Hash      *string
	CreatedAt time.Time
}

// JobQuery filters job listings. TenantID empty means all tenants (admin).
type JobQuery struct {
	TenantID string
	Status   JobStatus
	Limit    int
}

// JobStats is a per-tenant aggregate over a time window.
type JobStats struct {
	Total         int
	Succeeded     int
	Failed        int
	AvgProcessing *float64
}

// Store is the persistence surface shared by the API and the worker.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
	TenantByAPIKeyHash(ctx context.Context, hash string) (Tenant, error)
	TenantByClientCredentials(ctx context.Context, clientID, secretHash string) (Tenant, error)
	TenantByID(ctx context.Context, id string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	// CreateJob inserts the job, its encrypted payload, and the admission
	// audit in a single transaction.
	CreateJob(ctx context.Context, j Job, payload []byte, admission Audit) (Job, error)
	JobByID(ctx context.Context, id string) (Job, error)
	JobByIdempotencyKey(ctx context.Context, tenantID, keyHash string) (Job, error)
	JobByRequestHash(ctx context.Context, tenantID, requestHash string) (Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]Job, error)

	// UpdateJobStatus refuses transitions out of terminal states.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error

	// ReserveQueuedJobs atomically selects up to max of the tenant's oldest
	// queued jobs and moves them to processing. Concurrent callers never
	// receive the same job.
	ReserveQueuedJobs(ctx context.Context, tenantID string, max int) ([]Job, error)

	Payload(ctx context.Context, jobID string) ([]byte, error)
	PutFeatures(ctx context.Context, jobID string, blob []byte) error
	Features(ctx context.Context, jobID string) ([]byte, error)
	PutResult(ctx context.Context, r Result) error
	ResultByJobID(ctx context.Context, jobID string) (Result, error)

	AppendAudit(ctx context.Context, a Audit) (Audit, error)
	AuditsByJobID(ctx context.Context, jobID string) ([]Audit, error)

	TenantJobStats(ctx context.Context, since time.Time) (map[string]JobStats, error)
}

// NewID builds a prefixed opaque id, e.g. uwo_3f2a... (18 hex chars).
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:18]
}
