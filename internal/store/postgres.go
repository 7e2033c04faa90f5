package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the canonical Store implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies schema.sql. Statements are idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const tenantCols = `id, name, COALESCE(api_key_hash, ''), COALESCE(oauth_client_id, ''),
	COALESCE(oauth_client_secret_hash, ''), tenant_secret, webhook_secret, rate_limit_rps, created_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.OAuthClientID,
		&t.OAuthClientSecretHash, &t.TenantSecret, &t.WebhookSecret, &t.RateLimitRPS, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	if t.ID == "" {
		t.ID = NewID("tenant")
	}
	if t.RateLimitRPS <= 0 {
		t.RateLimitRPS = 10
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, name, api_key_hash, oauth_client_id, oauth_client_secret_hash,
			tenant_secret, webhook_secret, rate_limit_rps)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		RETURNING `+tenantCols,
		t.ID, t.Name, t.APIKeyHash, t.OAuthClientID, t.OAuthClientSecretHash,
		t.TenantSecret, t.WebhookSecret, t.RateLimitRPS)
	created, err := scanTenant(row)
	if isUniqueViolation(err) {
		return Tenant{}, ErrDuplicate
	}
	return created, err
}

func (p *Postgres) TenantByAPIKeyHash(ctx context.Context, hash string) (Tenant, error) {
	if hash == "" {
		return Tenant{}, ErrNotFound
	}
	return scanTenant(p.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE api_key_hash = $1`, hash))
}

func (p *Postgres) TenantByClientCredentials(ctx context.Context, clientID, secretHash string) (Tenant, error) {
	return scanTenant(p.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE oauth_client_id = $1 AND oauth_client_secret_hash = $2`,
		clientID, secretHash))
}

func (p *Postgres) TenantByID(ctx context.Context, id string) (Tenant, error) {
	return scanTenant(p.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
}

func (p *Postgres) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const jobCols = `id, tenant_id, client_job_id, status, idempotency_key,
	COALESCE(callback_url, ''), COALESCE(request_hash, ''), created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.TenantID, &j.ClientJobID, &j.Status, &j.IdempotencyKey,
		&j.CallbackURL, &j.RequestHash, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (p *Postgres) CreateJob(ctx context.Context, j Job, payload []byte, admission Audit) (Job, error) {
	if j.ID == "" {
		j.ID = NewID("uwo")
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback(ctx)

	created, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, client_job_id, status, idempotency_key, callback_url, request_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobCols,
		j.ID, j.TenantID, j.ClientJobID, j.Status, j.IdempotencyKey, j.CallbackURL, j.RequestHash))
	if err != nil {
		if isUniqueViolation(err) {
			return Job{}, ErrDuplicate
		}
		return Job{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO payloads (job_id, json_encrypted) VALUES ($1, $2)`, created.ID, payload); err != nil {
		return Job{}, err
	}

	if admission.ID == "" {
		admission.ID = NewID("audit")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO audits (id, job_id, actor, action, hash) VALUES ($1, $2, $3, $4, $5)`,
		admission.ID, created.ID, admission.Actor, admission.Action, admission.Hash); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, err
	}
	return created, nil
}

func (p *Postgres) JobByID(ctx context.Context, id string) (Job, error) {
	return scanJob(p.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

func (p *Postgres) JobByIdempotencyKey(ctx context.Context, tenantID, keyHash string) (Job, error) {
	return scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, keyHash))
}

func (p *Postgres) JobByRequestHash(ctx context.Context, tenantID, requestHash string) (Job, error) {
	return scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND request_hash = $2`, tenantID, requestHash))
}

func (p *Postgres) ListJobs(ctx context.Context, q JobQuery) ([]Job, error) {
	sql := `SELECT ` + jobCols + ` FROM jobs WHERE 1=1`
	args := []any{}
	if q.TenantID != "" {
		args = append(args, q.TenantID)
		sql += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`, jobID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the job is terminal or it does not exist.
		if _, err := p.JobByID(ctx, jobID); err != nil {
			return err
		}
		return ErrTerminalState
	}
	return nil
}

func (p *Postgres) ReserveQueuedJobs(ctx context.Context, tenantID string, max int) ([]Job, error) {
	// SKIP LOCKED keeps concurrent pollers from handing out the same job.
	rows, err := p.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE tenant_id = $1 AND status = 'queued'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET status = 'processing', updated_at = now()
		WHERE id IN (SELECT id FROM picked)
		RETURNING `+jobCols, tenantID, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed; re-sort oldest first.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *Postgres) Payload(ctx context.Context, jobID string) ([]byte, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx,
		`SELECT json_encrypted FROM payloads WHERE job_id = $1`, jobID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (p *Postgres) PutFeatures(ctx context.Context, jobID string, blob []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO features (job_id, json_encrypted) VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET json_encrypted = EXCLUDED.json_encrypted`,
		jobID, blob)
	return err
}

func (p *Postgres) Features(ctx context.Context, jobID string) ([]byte, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx,
		`SELECT json_encrypted FROM features WHERE job_id = $1`, jobID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (p *Postgres) PutResult(ctx context.Context, r Result) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO results (job_id, memo_markdown, memo_pdf_url, risk_score, decision, interest_rate_suggestion, json_tail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			memo_markdown = EXCLUDED.memo_markdown,
			memo_pdf_url = EXCLUDED.memo_pdf_url,
			risk_score = EXCLUDED.risk_score,
			decision = EXCLUDED.decision,
			interest_rate_suggestion = EXCLUDED.interest_rate_suggestion,
			json_tail = EXCLUDED.json_tail`,
		r.JobID, r.MemoMarkdown, r.MemoPDFURL, r.RiskScore, r.Decision, r.InterestRate, r.JSONTail)
	return err
}

func (p *Postgres) ResultByJobID(ctx context.Context, jobID string) (Result, error) {
	var r Result
	err := p.pool.QueryRow(ctx, `
		SELECT job_id, COALESCE(memo_markdown, ''), memo_pdf_url, risk_score, decision,
			interest_rate_suggestion, json_tail, created_at
		FROM results WHERE job_id = $1`, jobID).
		Scan(&r.JobID, &r.MemoMarkdown, &r.MemoPDFURL, &r.RiskScore, &r.Decision,
			&r.InterestRate, &r.JSONTail, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) AppendAudit(ctx context.Context, a Audit) (Audit, error) {
	if a.ID == "" {
		a.ID = NewID("audit")
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO audits (id, job_id, actor, action, hash) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.JobID, a.Actor, a.Action, a.Hash).Scan(&a.CreatedAt)
	if err != nil {
		return Audit{}, err
	}
	return a, nil
}

func (p *Postgres) AuditsByJobID(ctx context.Context, jobID string) ([]Audit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, actor, action, hash, created_at
		FROM audits WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Audit
	for rows.Next() {
		var a Audit
		if err := rows.Scan(&a.ID, &a.JobID, &a.Actor, &a.Action, &a.Hash, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) TenantJobStats(ctx context.Context, since time.Time) (map[string]JobStats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(EXTRACT(EPOCH FROM updated_at - created_at)) FILTER (WHERE status = 'succeeded')
		FROM jobs
		WHERE created_at >= $1
		GROUP BY tenant_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[string]JobStats)
	for rows.Next() {
		var tenantID string
		var s JobStats
		if err := rows.Scan(&tenantID, &s.Total, &s.Succeeded, &s.Failed, &s.AvgProcessing); err != nil {
			return nil, err
		}
		stats[tenantID] = s
	}
	return stats, rows.Err()
}
