// Package storetest provides an in-memory JobStore with the same conditional
// write semantics as the Postgres store.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"facemoji/internal/models"
	"facemoji/internal/store"
)

// Memory is a mutex-guarded JobStore for tests.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	swept    map[string]time.Time
	idem     map[string]idemEntry
	events   []models.JobEvent
	failures map[string]error

	// Now is the clock used for leases and sweeps.
	Now func() time.Time
}

type idemEntry struct {
	jobID   string
	expires time.Time
}

var _ store.JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[string]*models.Job{},
		swept:    map[string]time.Time{},
		idem:     map[string]idemEntry{},
		failures: map[string]error{},
		Now:      time.Now,
	}
}

// FailOn makes every call of the named operation (e.g. "CompleteJob") return
// err until cleared with a nil err.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

// Events returns a copy of the recorded audit trail.
func (m *Memory) Events() []models.JobEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobEvent(nil), m.events...)
}

// Len is the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Put stores a job as-is, for arranging test fixtures.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[job.ID] = &j
}

func (m *Memory) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateJob"); err != nil {
		return models.Job{}, false, err
	}
	now := m.Now()
	if p.IdempotencyKey != "" {
		if e, ok := m.idem[p.IdempotencyKey]; ok && (e.expires.IsZero() || e.expires.After(now)) {
			return *m.jobs[e.jobID], true, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	job := models.Job{
		ID:          p.ID,
		Status:      models.StatusPending,
		Emoji:       p.Emoji,
		InputRef:    p.InputRef,
		ContentType: p.ContentType,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
		e := idemEntry{jobID: p.ID}
		if p.IdempotencyTTL > 0 {
			e.expires = now.Add(p.IdempotencyTTL)
		}
		m.idem[key] = e
	}
	m.jobs[job.ID] = &job
	return job, false, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idem[key]
	if !ok || (!e.expires.IsZero() && !e.expires.After(m.Now())) {
		return models.Job{}, false, nil
	}
	return *m.jobs[e.jobID], true, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetJob"); err != nil {
		return models.Job{}, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *j, nil
}

func (m *Memory) ListJobs(_ context.Context, f store.ListFilter) (store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := store.NormalizeLimit(f.Limit)

	all := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		all = append(all, *j)
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].ID > all[b].ID
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})

	out := make([]models.Job, 0, limit+1)
	for _, j := range all {
		if c := f.Cursor; c != nil {
			before := j.CreatedAt.Before(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID < c.JobID)
			if !before {
				continue
			}
		}
		out = append(out, j)
		if len(out) > limit {
			break
		}
	}
	page := store.Page{Jobs: out}
	if len(out) > limit {
		page.Jobs = out[:limit]
		last := page.Jobs[limit-1]
		page.Next = &store.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

func (m *Memory) ClaimJob(_ context.Context, id, workerID string, lease time.Duration) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ClaimJob"); err != nil {
		return models.Job{}, false, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, models.ErrNotFound
	}
	now := m.Now()
	eligible := j.Status == models.StatusPending ||
		(j.Status == models.StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now))
	if !eligible || j.Attempts >= j.MaxAttempts {
		return *j, false, nil
	}
	expires := now.Add(lease)
	worker := workerID
	j.Status = models.StatusProcessing
	j.Attempts++
	j.WorkerID = &worker
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	delete(m.swept, id)
	return *j, true, nil
}

func (m *Memory) fenced(id string, attempt int) (*models.Job, bool) {
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusProcessing || j.Attempts != attempt {
		return nil, false
	}
	return j, true
}

func (m *Memory) CompleteJob(_ context.Context, id string, attempt int, c store.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CompleteJob"); err != nil {
		return false, err
	}
	j, ok := m.fenced(id, attempt)
	if !ok {
		return false, nil
	}
	ref, ct, faces := c.ResultRef, c.ContentType, c.Faces
	j.Status = models.StatusSucceeded
	j.ResultRef = &ref
	j.ResultContentType = &ct
	j.FacesDetected = &faces
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.Now()
	return true, nil
}

func (m *Memory) FailJob(_ context.Context, id string, attempt int, detail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("FailJob"); err != nil {
		return false, err
	}
	j, ok := m.fenced(id, attempt)
	if !ok {
		return false, nil
	}
	d, last := detail, detail
	j.Status = models.StatusFailed
	j.ErrorDetail = &d
	j.LastError = &last
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.Now()
	return true, nil
}

func (m *Memory) ReleaseJob(_ context.Context, id string, attempt int, lastErr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ReleaseJob"); err != nil {
		return false, err
	}
	j, ok := m.fenced(id, attempt)
	if !ok {
		return false, nil
	}
	last := lastErr
	j.Status = models.StatusPending
	j.LastError = &last
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.Now()
	return true, nil
}

func (m *Memory) ExpireJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ExpireJob"); err != nil {
		return false, err
	}
	j, ok := m.jobs[id]
	if !ok || j.Attempts < j.MaxAttempts {
		return false, nil
	}
	now := m.Now()
	switch j.Status {
	case models.StatusPending:
	case models.StatusProcessing:
		if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			return false, nil
		}
	default:
		return false, nil
	}
	detail := store.ExpiredLeaseDetail
	if j.LastError != nil {
		detail = *j.LastError
	}
	j.Status = models.StatusFailed
	j.ErrorDetail = &detail
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) SweepStale(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SweepStale"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	now := m.Now()
	var candidates []*models.Job
	for _, j := range m.jobs {
		stalePending := j.Status == models.StatusPending && j.UpdatedAt.Before(cutoff)
		lapsed := j.Status == models.StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		if !stalePending && !lapsed {
			continue
		}
		if at, ok := m.swept[j.ID]; ok && !at.Before(cutoff) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].UpdatedAt.Before(candidates[b].UpdatedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, 0, len(candidates))
	for _, j := range candidates {
		m.swept[j.ID] = now
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev models.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("AppendEvent"); err != nil {
		return err
	}
	if ev.Recorded.IsZero() {
		ev.Recorded = m.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}
