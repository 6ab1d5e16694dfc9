package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the import pipeline
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `id, batch_id, tenant_id, row_index, priority, payload, status, attempts,
	scheduled_at, started_at, finished_at, last_error, claimed_by, last_heartbeat_at, result, requested_by, created_at`

type jobRow struct {
	ID          string            `db:"id"`
	BatchID     string            `db:"batch_id"`
	TenantID    string            `db:"tenant_id"`
	RowIndex    int               `db:"row_index"`
	Priority    int               `db:"priority"`
	Payload     domain.CaseRow    `db:"payload"`
	Status      string            `db:"status"`
	Attempts    int               `db:"attempts"`
	ScheduledAt time.Time         `db:"scheduled_at"`
	StartedAt   sql.NullTime      `db:"started_at"`
	FinishedAt  sql.NullTime      `db:"finished_at"`
	LastError   sql.NullString    `db:"last_error"`
	ClaimedBy   sql.NullString    `db:"claimed_by"`
	HeartbeatAt sql.NullTime      `db:"last_heartbeat_at"`
	Result      *domain.JobResult `db:"result"`
	RequestedBy sql.NullString    `db:"requested_by"`
	CreatedAt   time.Time         `db:"created_at"`
}

func (r jobRow) toDomain() domain.ImportJob {
	job := domain.ImportJob{
		ID:          r.ID,
		BatchID:     r.BatchID,
		TenantID:    r.TenantID,
		RowIndex:    r.RowIndex,
		Priority:    r.Priority,
		Payload:     r.Payload,
		Status:      domain.JobStatus(r.Status),
		Attempts:    r.Attempts,
		ScheduledAt: r.ScheduledAt,
		LastError:   r.LastError.String,
		ClaimedBy:   r.ClaimedBy.String,
		Result:      r.Result,
		RequestedBy: r.RequestedBy.String,
		CreatedAt:   r.CreatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	if r.HeartbeatAt.Valid {
		t := r.HeartbeatAt.Time
		job.HeartbeatAt = &t
	}
	return job
}

// Dequeue atomically claims up to limit due jobs for workerID.
// Concurrent callers never receive the same job.
func (s *Storage) Dequeue(ctx context.Context, limit int, workerID string) ([]domain.ImportJob, error) {
	query := `
		UPDATE batch_import_jobs j
		SET status = $1,
		    claimed_by = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		FROM (
			SELECT bj.id
			FROM batch_import_jobs bj
			JOIN batch_import_summaries bs ON bs.batch_id = bj.batch_id
			WHERE bj.status = $3
			  AND bj.scheduled_at <= NOW()
			  AND bs.status NOT IN ($4, $5)
			ORDER BY bj.priority DESC, bj.scheduled_at, bj.row_index
			LIMIT $6
			FOR UPDATE OF bj SKIP LOCKED
		) picked
		WHERE j.id = picked.id
		RETURNING ` + prefixed("j", jobColumns)

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		domain.JobStatusClaimed,
		workerID,
		domain.JobStatusQueued,
		domain.BatchStatusCompleted,
		domain.BatchStatusFailed,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}

	jobs := make([]domain.ImportJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	sortForProcessing(jobs)

	if len(jobs) > 0 {
		s.logger.Info("Jobs claimed",
			slog.String("worker_id", workerID),
			slog.Int("count", len(jobs)),
		)
	}

	return jobs, nil
}

// MarkRunning moves a claimed job to running
func (s *Storage) MarkRunning(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE batch_import_jobs
		SET status = $1, last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND claimed_by = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusRunning, jobID, workerID, domain.JobStatusClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if affected(res) == 1 {
		return nil
	}
	return s.claimError(ctx, jobID, workerID)
}

// MarkSuccess stores the result and finishes the job. A job cancelled while
// the holder was already committing still ends as success.
func (s *Storage) MarkSuccess(ctx context.Context, jobID, workerID string, result domain.JobResult) error {
	query := `
		UPDATE batch_import_jobs
		SET status = $1,
		    result = $2,
		    last_error = NULL,
		    finished_at = NOW(),
		    claimed_by = NULL,
		    updated_at = NOW()
		WHERE id = $3 AND claimed_by = $4 AND status IN ($5, $6, $7)
	`

	res, err := s.db.ExecContext(ctx, query,
		domain.JobStatusSuccess,
		result,
		jobID,
		workerID,
		domain.JobStatusClaimed,
		domain.JobStatusRunning,
		domain.JobStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job success: %w", err)
	}
	if affected(res) == 0 {
		return domain.ErrClaimLost
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.JobStatusSuccess)),
	)
	return nil
}

// MarkFailed re-queues the job with backoff while attempts < maxRetries,
// otherwise fails it for good. It reports whether the job will be retried.
func (s *Storage) MarkFailed(ctx context.Context, jobID, workerID, reason string, attempts, maxRetries int, delay time.Duration) (bool, error) {
	reason = domain.TruncateReason(reason)
	retry := attempts < maxRetries

	var (
		res sql.Result
		err error
	)
	if retry {
		res, err = s.db.ExecContext(ctx, `
			UPDATE batch_import_jobs
			SET status = $1,
			    attempts = attempts + 1,
			    scheduled_at = NOW() + ($2::double precision * INTERVAL '1 millisecond'),
			    last_error = $3,
			    claimed_by = NULL,
			    started_at = NULL,
			    updated_at = NOW()
			WHERE id = $4 AND claimed_by = $5 AND status IN ($6, $7)
		`, domain.JobStatusQueued, delay.Milliseconds(), reason, jobID, workerID,
			domain.JobStatusClaimed, domain.JobStatusRunning)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE batch_import_jobs
			SET status = $1,
			    attempts = GREATEST(attempts, $2),
			    last_error = $3,
			    finished_at = NOW(),
			    claimed_by = NULL,
			    updated_at = NOW()
			WHERE id = $4 AND claimed_by = $5 AND status IN ($6, $7)
		`, domain.JobStatusFailed, attempts, reason, jobID, workerID,
			domain.JobStatusClaimed, domain.JobStatusRunning)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if affected(res) == 0 {
		return false, s.releaseOrLost(ctx, jobID, workerID, reason)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.JobStatusFailed)),
		slog.Bool("retry", retry),
		slog.Int("attempts", attempts),
	)
	return retry, nil
}

// MarkSkipped finishes the job without importing it
func (s *Storage) MarkSkipped(ctx context.Context, jobID, workerID, reason string, ref *domain.JobResult) error {
	var result any
	if ref != nil {
		result = *ref
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET status = $1,
		    result = $2,
		    last_error = $3,
		    finished_at = NOW(),
		    claimed_by = NULL,
		    updated_at = NOW()
		WHERE id = $4 AND claimed_by = $5 AND status IN ($6, $7)
	`, domain.JobStatusSkipped, result, domain.TruncateReason(reason), jobID, workerID,
		domain.JobStatusClaimed, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark job skipped: %w", err)
	}
	if affected(res) == 0 {
		return s.releaseOrLost(ctx, jobID, workerID, reason)
	}
	return nil
}

// Requeue hands a held job back to the queue without counting an attempt.
// It is used when the invocation ends before the job could do any work.
func (s *Storage) Requeue(ctx context.Context, jobID, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET status = $1,
		    scheduled_at = NOW(),
		    last_error = $2,
		    claimed_by = NULL,
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $3 AND claimed_by = $4 AND status IN ($5, $6)
	`, domain.JobStatusQueued, domain.TruncateReason(reason), jobID, workerID,
		domain.JobStatusClaimed, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if affected(res) == 0 {
		return s.releaseOrLost(ctx, jobID, workerID, reason)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.JobStatusQueued)),
		slog.Bool("requeued", true),
	)
	return nil
}

// Heartbeat refreshes the claim of workerID on a job
func (s *Storage) Heartbeat(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET last_heartbeat_at = NOW()
		WHERE id = $1 AND claimed_by = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	if affected(res) == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

// ReclaimStale takes back claims whose holder stopped sending heartbeats for
// longer than timeout. A claimed or running job counts the lost run as an
// attempt: it is queued again while attempts < maxRetries and fails for good
// otherwise. A cancelled job is released. It returns the affected batch ids.
func (s *Storage) ReclaimStale(ctx context.Context, timeout time.Duration, maxRetries int) ([]string, error) {
	query := `
		UPDATE batch_import_jobs
		SET status = CASE
		        WHEN status = $1 THEN status
		        WHEN attempts < $2 THEN $3
		        ELSE $4
		    END,
		    attempts = CASE WHEN status <> $1 AND attempts < $2 THEN attempts + 1 ELSE attempts END,
		    scheduled_at = CASE WHEN status <> $1 AND attempts < $2 THEN NOW() ELSE scheduled_at END,
		    started_at = CASE WHEN status <> $1 AND attempts < $2 THEN NULL ELSE started_at END,
		    finished_at = CASE WHEN status = $1 OR attempts >= $2 THEN NOW() ELSE NULL END,
		    last_error = CASE WHEN status = $1 THEN last_error ELSE $5 END,
		    claimed_by = NULL,
		    last_heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE claimed_by IS NOT NULL
		  AND status IN ($1, $6, $7)
		  AND COALESCE(last_heartbeat_at, started_at, updated_at) < NOW() - ($8::double precision * INTERVAL '1 millisecond')
		RETURNING batch_id`

	var batchIDs []string
	err := s.db.SelectContext(ctx, &batchIDs, query,
		domain.JobStatusCancelled,
		maxRetries,
		domain.JobStatusQueued,
		domain.JobStatusFailed,
		domain.ReasonClaimExpired,
		domain.JobStatusClaimed,
		domain.JobStatusRunning,
		timeout.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	if len(batchIDs) > 0 {
		s.logger.Warn("Stale job claims reclaimed",
			slog.Int("count", len(batchIDs)),
		)
	}
	return distinct(batchIDs), nil
}

// IsCancelled reports whether the job was cancelled after it was claimed
func (s *Storage) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM batch_import_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read job status: %w", err)
	}
	return domain.JobStatus(status) == domain.JobStatusCancelled, nil
}

// ReleaseCancelled gives up a cancelled job before anything was written for it
func (s *Storage) ReleaseCancelled(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET claimed_by = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $3
	`, jobID, workerID, domain.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to release cancelled job: %w", err)
	}
	if affected(res) == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

// GetJob retrieves a job by id
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM batch_import_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job := row.toDomain()
	return &job, nil
}

// releaseOrLost handles a guarded write that matched nothing: a cancelled job
// is released, anything else means the claim is gone
func (s *Storage) releaseOrLost(ctx context.Context, jobID, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET claimed_by = NULL,
		    finished_at = NOW(),
		    last_error = COALESCE(last_error, $4),
		    updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $3
	`, jobID, workerID, domain.JobStatusCancelled, domain.TruncateReason(reason))
	if err != nil {
		return fmt.Errorf("failed to release cancelled job: %w", err)
	}
	if affected(res) == 1 {
		return domain.ErrJobCancelled
	}

	s.logger.Warn("Job claim not held",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return domain.ErrClaimLost
}

func (s *Storage) claimError(ctx context.Context, jobID, workerID string) error {
	var row struct {
		Status    string         `db:"status"`
		ClaimedBy sql.NullString `db:"claimed_by"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT status, claimed_by FROM batch_import_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job claim: %w", err)
	}
	if row.ClaimedBy.String == workerID && domain.JobStatus(row.Status) == domain.JobStatusCancelled {
		return domain.ErrJobCancelled
	}
	return domain.ErrClaimLost
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// sortForProcessing orders claimed jobs the way Dequeue picked them
func sortForProcessing(jobs []domain.ImportJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.RowIndex < b.RowIndex
	})
}
