package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps the queue and case data in process memory. It follows the
// same claim and bookkeeping rules as Storage and backs tests and dry runs.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	jobs    map[string]*domain.ImportJob
	order   []string
	batches map[string]*domain.BatchSummary

	cases         map[string]*memCase
	caseKeys      map[string]string
	clients       map[string]domain.ClientRef
	clientTenants map[string]string
	members       map[string]string
	parties       map[string][]domain.PartyRef
	partyTypes    map[string]string
	reps          map[string][]domain.RegistryRepresentative
	caseClients   map[string]domain.CaseClientLink
	assignees     map[string][]domain.Assignee
	snapshots     map[string]domain.Snapshot
	related       map[string][]domain.LinkedCase
	hearings      map[string][]domain.Hearing
	notifications []domain.BatchNotification
	settings      json.RawMessage

	failures map[string]error
}

type memCase struct {
	record     domain.CaseRecord
	ref        domain.CaseRef
	snapshotID string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		jobs:          make(map[string]*domain.ImportJob),
		batches:       make(map[string]*domain.BatchSummary),
		cases:         make(map[string]*memCase),
		caseKeys:      make(map[string]string),
		clients:       make(map[string]domain.ClientRef),
		clientTenants: make(map[string]string),
		members:       make(map[string]string),
		parties:       make(map[string][]domain.PartyRef),
		partyTypes:    make(map[string]string),
		reps:          make(map[string][]domain.RegistryRepresentative),
		caseClients:   make(map[string]domain.CaseClientLink),
		assignees:     make(map[string][]domain.Assignee),
		snapshots:     make(map[string]domain.Snapshot),
		related:       make(map[string][]domain.LinkedCase),
		hearings:      make(map[string][]domain.Hearing),
		failures:      make(map[string]error),
	}
}

// SetClock replaces the time source
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes the named operation return err until cleared with a nil err
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryStore) failure(op string) error {
	return m.failures[op]
}

func cloneJob(j *domain.ImportJob) domain.ImportJob {
	out := *j
	if j.HeartbeatAt != nil {
		out.HeartbeatAt = timePtr(*j.HeartbeatAt)
	}
	if j.Result != nil {
		r := *j.Result
		r.Warnings = append([]domain.Warning(nil), j.Result.Warnings...)
		out.Result = &r
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// EnqueueBatch implements the queue contract of Storage.EnqueueBatch
func (m *MemoryStore) EnqueueBatch(_ context.Context, req domain.BatchRequest) (string, int, error) {
	if len(req.Rows) == 0 {
		return "", 0, domain.ErrEmptyBatch
	}
	if _, err := uuid.Parse(req.TenantID); err != nil {
		return "", 0, fmt.Errorf("%w: tenant_id must be a UUID", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("EnqueueBatch"); err != nil {
		return "", 0, err
	}

	now := m.now()
	batchID := uuid.NewString()
	m.batches[batchID] = &domain.BatchSummary{
		BatchID:     batchID,
		TenantID:    req.TenantID,
		Options:     req.Options,
		RequestedBy: req.RequestedBy,
		Total:       len(req.Rows),
		Status:      domain.BatchStatusPending,
		CreatedAt:   now,
	}

	for i, row := range req.Rows {
		id := uuid.NewString()
		m.jobs[id] = &domain.ImportJob{
			ID:          id,
			BatchID:     batchID,
			TenantID:    req.TenantID,
			RowIndex:    i,
			Priority:    req.Priority,
			Payload:     row,
			Status:      domain.JobStatusQueued,
			ScheduledAt: now,
			RequestedBy: req.RequestedBy,
			CreatedAt:   now,
		}
		m.order = append(m.order, id)
	}

	return batchID, len(req.Rows), nil
}

// Dequeue claims up to limit due jobs for workerID
func (m *MemoryStore) Dequeue(_ context.Context, limit int, workerID string) ([]domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("Dequeue"); err != nil {
		return nil, err
	}

	now := m.now()
	var due []*domain.ImportJob
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status != domain.JobStatusQueued || j.ScheduledAt.After(now) {
			continue
		}
		if b := m.batches[j.BatchID]; b != nil && b.Status.IsTerminal() {
			continue
		}
		due = append(due, j)
	}

	sort.SliceStable(due, func(i, k int) bool {
		a, b := due[i], due[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.RowIndex < b.RowIndex
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.ImportJob, 0, len(due))
	for _, j := range due {
		j.Status = domain.JobStatusClaimed
		j.ClaimedBy = workerID
		j.StartedAt = timePtr(now)
		j.HeartbeatAt = timePtr(now)
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (m *MemoryStore) held(jobID, workerID string, statuses ...domain.JobStatus) (*domain.ImportJob, bool) {
	j, ok := m.jobs[jobID]
	if !ok || j.ClaimedBy != workerID {
		return j, false
	}
	for _, s := range statuses {
		if j.Status == s {
			return j, true
		}
	}
	return j, false
}

// releaseOrLost mirrors Storage.releaseOrLost
func (m *MemoryStore) releaseOrLost(j *domain.ImportJob, workerID, reason string) error {
	if j != nil && j.ClaimedBy == workerID && j.Status == domain.JobStatusCancelled {
		j.ClaimedBy = ""
		j.FinishedAt = timePtr(m.now())
		if j.LastError == "" {
			j.LastError = domain.TruncateReason(reason)
		}
		return domain.ErrJobCancelled
	}
	return domain.ErrClaimLost
}

// MarkRunning moves a claimed job to running
func (m *MemoryStore) MarkRunning(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.held(jobID, workerID, domain.JobStatusClaimed)
	if ok {
		j.Status = domain.JobStatusRunning
		j.HeartbeatAt = timePtr(m.now())
		return nil
	}
	if j == nil {
		return domain.ErrJobNotFound
	}
	if j.ClaimedBy == workerID && j.Status == domain.JobStatusCancelled {
		return domain.ErrJobCancelled
	}
	return domain.ErrClaimLost
}

// MarkSuccess finishes the job with its result
func (m *MemoryStore) MarkSuccess(_ context.Context, jobID, workerID string, result domain.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("MarkSuccess"); err != nil {
		return err
	}

	j, ok := m.held(jobID, workerID, domain.JobStatusClaimed, domain.JobStatusRunning, domain.JobStatusCancelled)
	if !ok {
		return domain.ErrClaimLost
	}
	result.Warnings = append([]domain.Warning(nil), result.Warnings...)
	j.Status = domain.JobStatusSuccess
	j.Result = &result
	j.LastError = ""
	j.FinishedAt = timePtr(m.now())
	j.ClaimedBy = ""
	return nil
}

// MarkFailed re-queues or terminally fails the job
func (m *MemoryStore) MarkFailed(_ context.Context, jobID, workerID, reason string, attempts, maxRetries int, delay time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reason = domain.TruncateReason(reason)
	j, ok := m.held(jobID, workerID, domain.JobStatusClaimed, domain.JobStatusRunning)
	if !ok {
		return false, m.releaseOrLost(j, workerID, reason)
	}

	now := m.now()
	j.LastError = reason
	j.ClaimedBy = ""
	if attempts < maxRetries {
		j.Status = domain.JobStatusQueued
		j.Attempts++
		j.ScheduledAt = now.Add(delay)
		j.StartedAt = nil
		return true, nil
	}

	j.Status = domain.JobStatusFailed
	j.Attempts = max(j.Attempts, attempts)
	j.FinishedAt = timePtr(now)
	return false, nil
}

// MarkSkipped finishes the job without importing it
func (m *MemoryStore) MarkSkipped(_ context.Context, jobID, workerID, reason string, ref *domain.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.held(jobID, workerID, domain.JobStatusClaimed, domain.JobStatusRunning)
	if !ok {
		return m.releaseOrLost(j, workerID, reason)
	}
	if ref != nil {
		r := *ref
		j.Result = &r
	}
	j.Status = domain.JobStatusSkipped
	j.LastError = domain.TruncateReason(reason)
	j.FinishedAt = timePtr(m.now())
	j.ClaimedBy = ""
	return nil
}

// Requeue hands a held job back to the queue without counting an attempt
func (m *MemoryStore) Requeue(_ context.Context, jobID, workerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.held(jobID, workerID, domain.JobStatusClaimed, domain.JobStatusRunning)
	if !ok {
		return m.releaseOrLost(j, workerID, reason)
	}
	j.Status = domain.JobStatusQueued
	j.ScheduledAt = m.now()
	j.LastError = domain.TruncateReason(reason)
	j.ClaimedBy = ""
	j.StartedAt = nil
	j.HeartbeatAt = nil
	return nil
}

// Heartbeat refreshes the claim of workerID on a job
func (m *MemoryStore) Heartbeat(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("Heartbeat"); err != nil {
		return err
	}
	j, ok := m.jobs[jobID]
	if !ok || j.ClaimedBy != workerID {
		return domain.ErrClaimLost
	}
	j.HeartbeatAt = timePtr(m.now())
	return nil
}

// ReclaimStale mirrors Storage.ReclaimStale
func (m *MemoryStore) ReclaimStale(_ context.Context, timeout time.Duration, maxRetries int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("ReclaimStale"); err != nil {
		return nil, err
	}

	now := m.now()
	cutoff := now.Add(-timeout)
	var batchIDs []string
	for _, id := range m.order {
		j := m.jobs[id]
		if j.ClaimedBy == "" || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		switch j.Status {
		case domain.JobStatusCancelled:
			j.FinishedAt = timePtr(now)
		case domain.JobStatusClaimed, domain.JobStatusRunning:
			j.LastError = domain.ReasonClaimExpired
			if j.Attempts < maxRetries {
				j.Status = domain.JobStatusQueued
				j.Attempts++
				j.ScheduledAt = now
				j.StartedAt = nil
			} else {
				j.Status = domain.JobStatusFailed
				j.FinishedAt = timePtr(now)
			}
		default:
			continue
		}
		j.ClaimedBy = ""
		j.HeartbeatAt = nil
		batchIDs = append(batchIDs, j.BatchID)
	}
	return distinct(batchIDs), nil
}

// IsCancelled reports whether the job was cancelled
func (m *MemoryStore) IsCancelled(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	return j.Status == domain.JobStatusCancelled, nil
}

// ReleaseCancelled gives up a cancelled job
func (m *MemoryStore) ReleaseCancelled(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.held(jobID, workerID, domain.JobStatusCancelled)
	if !ok {
		return domain.ErrClaimLost
	}
	j.ClaimedBy = ""
	j.FinishedAt = timePtr(m.now())
	return nil
}

// GetJob returns a copy of the job
func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

// Cancel cancels every unfinished job of the batch
func (m *MemoryStore) Cancel(_ context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, id := range m.order {
		j := m.jobs[id]
		if j.BatchID != batchID || j.Status.IsTerminal() {
			continue
		}
		if j.Status == domain.JobStatusQueued {
			j.FinishedAt = timePtr(now)
		}
		j.Status = domain.JobStatusCancelled
		j.LastError = "Cancelled by user"
		n++
	}
	return n, nil
}

// GetBatch returns a copy of the batch summary
func (m *MemoryStore) GetBatch(_ context.Context, batchID string) (*domain.BatchSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	out := *b
	return &out, nil
}

// BatchOptions returns the import options of a batch
func (m *MemoryStore) BatchOptions(_ context.Context, batchID string) (domain.ImportOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("BatchOptions"); err != nil {
		return domain.DefaultImportOptions(), err
	}
	b, ok := m.batches[batchID]
	if !ok {
		return domain.DefaultImportOptions(), domain.ErrBatchNotFound
	}
	return b.Options, nil
}

// ListJobs returns jobs of a batch in row order
func (m *MemoryStore) ListJobs(_ context.Context, filter domain.JobFilter) ([]domain.ImportJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.ImportJob
	for _, id := range m.order {
		j := m.jobs[id]
		if j.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneJob(j))
	}
	sort.SliceStable(matched, func(i, k int) bool { return matched[i].RowIndex < matched[k].RowIndex })

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := min(max(filter.Offset, 0), total)
	end := min(start+limit, total)
	return matched[start:end], total, nil
}

// ListTenantBatches returns the most recent batches of a tenant
func (m *MemoryStore) ListTenantBatches(_ context.Context, tenantID string, limit int) ([]domain.BatchSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var out []domain.BatchSummary
	for _, b := range m.batches {
		if b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecountBatch recomputes the counters of a batch from its jobs
func (m *MemoryStore) RecountBatch(_ context.Context, batchID string) (*domain.BatchSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("RecountBatch"); err != nil {
		return nil, err
	}

	b, ok := m.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}

	var total, processed, success, failed, skipped, touched int
	for _, j := range m.jobs {
		if j.BatchID != batchID {
			continue
		}
		total++
		// a cancelled job still held may yet succeed
		if j.Status == domain.JobStatusCancelled && j.ClaimedBy != "" {
			touched++
			continue
		}
		switch j.Status {
		case domain.JobStatusSuccess:
			success++
		case domain.JobStatusFailed:
			failed++
		case domain.JobStatusSkipped, domain.JobStatusCancelled:
			skipped++
		}
		if j.Status.IsTerminal() {
			processed++
		}
		if j.Status != domain.JobStatusQueued || j.Attempts > 0 {
			touched++
		}
	}

	now := m.now()
	b.Total, b.Processed, b.Success, b.Failed, b.Skipped = total, processed, success, failed, skipped
	if !b.Status.IsTerminal() {
		switch {
		case total > 0 && processed == total:
			b.Status = domain.BatchStatusCompleted
			if failed == total {
				b.Status = domain.BatchStatusFailed
			}
			b.CompletedAt = timePtr(now)
		case touched > 0:
			b.Status = domain.BatchStatusProcessing
		}
	}
	if touched > 0 && b.StartedAt == nil {
		b.StartedAt = timePtr(now)
	}

	out := *b
	return &out, nil
}

// ClaimNotification marks a finished batch as notified, once
func (m *MemoryStore) ClaimNotification(_ context.Context, batchID string) (*domain.BatchSummary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok || b.NotifiedAt != nil || !b.Status.IsTerminal() {
		return nil, false, nil
	}
	b.NotifiedAt = timePtr(m.now())
	out := *b
	return &out, true, nil
}

// SaveNotification records an in-app notification
func (m *MemoryStore) SaveNotification(_ context.Context, n domain.BatchNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("SaveNotification"); err != nil {
		return err
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns the stored in-app notifications
func (m *MemoryStore) Notifications() []domain.BatchNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BatchNotification(nil), m.notifications...)
}
