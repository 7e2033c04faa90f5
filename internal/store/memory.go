package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and broker-less deployments.
// All methods are safe for concurrent use; reservation is serialized by the
// same mutex that guards the job table, so two pollers cannot receive the
// same job.
type Memory struct {
	mu       sync.Mutex
	tenants  map[string]Tenant
	jobs     map[string]Job
	payloads map[string][]byte
	features map[string][]byte
	results  map[string]Result
	audits   map[string][]Audit
	seq      int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:  make(map[string]Tenant),
		jobs:     make(map[string]Job),
		payloads: make(map[string][]byte),
		features: make(map[string][]byte),
		results:  make(map[string]Result),
		audits:   make(map[string][]Audit),
	}
}

func (m *Memory) CreateTenant(_ context.Context, t Tenant) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID("tenant")
	}
	if t.RateLimitRPS <= 0 {
		t.RateLimitRPS = 10
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.tenants[t.ID]; ok {
		return Tenant{}, ErrDuplicate
	}
	m.tenants[t.ID] = t
	return t, nil
}

func (m *Memory) TenantByAPIKeyHash(_ context.Context, hash string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == "" {
		return Tenant{}, ErrNotFound
	}
	for _, t := range m.tenants {
		if t.APIKeyHash == hash {
			return t, nil
		}
	}
	return Tenant{}, ErrNotFound
}

func (m *Memory) TenantByClientCredentials(_ context.Context, clientID, secretHash string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.OAuthClientID != "" && t.OAuthClientID == clientID && t.OAuthClientSecretHash == secretHash {
			return t, nil
		}
	}
	return Tenant{}, ErrNotFound
}

func (m *Memory) TenantByID(_ context.Context, id string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, j Job, payload []byte, admission Audit) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.TenantID == j.TenantID && existing.ClientJobID == j.ClientJobID {
			return Job{}, ErrDuplicate
		}
	}
	if j.ID == "" {
		j.ID = NewID("uwo")
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	m.seq++
	now := time.Now().UTC().Add(time.Duration(m.seq)) // strictly ordered admission times
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	m.jobs[j.ID] = j
	m.payloads[j.ID] = payload

	admission.JobID = j.ID
	if admission.ID == "" {
		admission.ID = NewID("audit")
	}
	admission.CreatedAt = now
	m.audits[j.ID] = append(m.audits[j.ID], admission)
	return j, nil
}

func (m *Memory) JobByID(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) JobByIdempotencyKey(_ context.Context, tenantID, keyHash string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.IdempotencyKey != nil && *j.IdempotencyKey == keyHash {
			return j, nil
		}
	}
	return Job{}, ErrNotFound
}

func (m *Memory) JobByRequestHash(_ context.Context, tenantID, requestHash string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.RequestHash == requestHash {
			return j, nil
		}
	}
	return Job{}, ErrNotFound
}

func (m *Memory) ListJobs(_ context.Context, q JobQuery) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0)
	for _, j := range m.jobs {
		if q.TenantID != "" && j.TenantID != q.TenantID {
			continue
		}
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, jobID string, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrTerminalState
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) ReserveQueuedJobs(_ context.Context, tenantID string, max int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := make([]Job, 0)
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.Status == StatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	if max < len(queued) {
		queued = queued[:max]
	}
	now := time.Now().UTC()
	for i, j := range queued {
		j.Status = StatusProcessing
		j.UpdatedAt = now
		m.jobs[j.ID] = j
		queued[i] = j
	}
	return queued, nil
}

func (m *Memory) Payload(_ context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.payloads[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (m *Memory) PutFeatures(_ context.Context, jobID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	m.features[jobID] = blob
	return nil
}

func (m *Memory) Features(_ context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.features[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (m *Memory) PutResult(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[r.JobID]; !ok {
		return ErrNotFound
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.results[r.JobID] = r
	return nil
}

func (m *Memory) ResultByJobID(_ context.Context, jobID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return Result{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) AppendAudit(_ context.Context, a Audit) (Audit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[a.JobID]; !ok {
		return Audit{}, ErrNotFound
	}
	if a.ID == "" {
		a.ID = NewID("audit")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.audits[a.JobID] = append(m.audits[a.JobID], a)
	return a, nil
}

func (m *Memory) AuditsByJobID(_ context.Context, jobID string) ([]Audit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Audit, len(m.audits[jobID]))
	copy(out, m.audits[jobID])
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TenantJobStats(_ context.Context, since time.Time) (map[string]JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]JobStats)
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, j := range m.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		s := stats[j.TenantID]
		s.Total++
		switch j.Status {
		case StatusSucceeded:
			s.Succeeded++
			sums[j.TenantID] += j.ProcessingSeconds()
			counts[j.TenantID]++
		case StatusFailed:
			s.Failed++
		}
		stats[j.TenantID] = s
	}
	for tenantID, n := range counts {
		avg := sums[tenantID] / float64(n)
		s := stats[tenantID]
		s.AvgProcessing = &avg
		stats[tenantID] = s
	}
	return stats, nil
}
