package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EnqueueChunkSize bounds the rows sent in one insert statement
const EnqueueChunkSize = 100

const summaryColumns = `batch_id, tenant_id, options, requested_by, total_rows, processed_rows,
	success_count, failed_count, skipped_count, status, created_at, started_at, completed_at, notified_at`

type summaryRow struct {
	BatchID     string         `db:"batch_id"`
	TenantID    string         `db:"tenant_id"`
	Options     []byte         `db:"options"`
	RequestedBy sql.NullString `db:"requested_by"`
	Total       int            `db:"total_rows"`
	Processed   int            `db:"processed_rows"`
	Success     int            `db:"success_count"`
	Failed      int            `db:"failed_count"`
	Skipped     int            `db:"skipped_count"`
	Status      string         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	NotifiedAt  sql.NullTime   `db:"notified_at"`
}

func (r summaryRow) toDomain() domain.BatchSummary {
	opts, err := domain.ParseImportOptions(r.Options)
	if err != nil {
		opts = domain.DefaultImportOptions()
	}

	s := domain.BatchSummary{
		BatchID:     r.BatchID,
		TenantID:    r.TenantID,
		Options:     opts,
		RequestedBy: r.RequestedBy.String,
		Total:       r.Total,
		Processed:   r.Processed,
		Success:     r.Success,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Status:      domain.BatchStatus(r.Status),
		CreatedAt:   r.CreatedAt,
	}
	s.StartedAt = nullTime(r.StartedAt)
	s.CompletedAt = nullTime(r.CompletedAt)
	s.NotifiedAt = nullTime(r.NotifiedAt)
	return s
}

type newJobRow struct {
	ID          string         `db:"id"`
	BatchID     string         `db:"batch_id"`
	TenantID    string         `db:"tenant_id"`
	RowIndex    int            `db:"row_index"`
	Priority    int            `db:"priority"`
	Payload     domain.CaseRow `db:"payload"`
	RequestedBy sql.NullString `db:"requested_by"`
}

// EnqueueBatch creates the batch summary and one queued job per row in a single transaction
func (s *Storage) EnqueueBatch(ctx context.Context, req domain.BatchRequest) (string, int, error) {
	if len(req.Rows) == 0 {
		return "", 0, domain.ErrEmptyBatch
	}
	if _, err := uuid.Parse(req.TenantID); err != nil {
		return "", 0, fmt.Errorf("%w: tenant_id must be a UUID", domain.ErrValidation)
	}

	opts, err := json.Marshal(req.Options)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode import options: %w", err)
	}

	batchID := uuid.NewString()
	requestedBy := sql.NullString{String: req.RequestedBy, Valid: req.RequestedBy != ""}
	inserted := 0

	err = postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_import_summaries (batch_id, tenant_id, options, requested_by, total_rows, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, batchID, req.TenantID, string(opts), requestedBy, len(req.Rows), domain.BatchStatusPending)
		if err != nil {
			return fmt.Errorf("failed to create batch summary: %w", err)
		}

		for start := 0; start < len(req.Rows); start += EnqueueChunkSize {
			end := min(start+EnqueueChunkSize, len(req.Rows))

			chunk := make([]newJobRow, 0, end-start)
			for i := start; i < end; i++ {
				chunk = append(chunk, newJobRow{
					ID:          uuid.NewString(),
					BatchID:     batchID,
					TenantID:    req.TenantID,
					RowIndex:    i,
					Priority:    req.Priority,
					Payload:     req.Rows[i],
					RequestedBy: requestedBy,
				})
			}

			res, err := tx.NamedExecContext(ctx, `
				INSERT INTO batch_import_jobs (id, batch_id, tenant_id, row_index, priority, payload, requested_by)
				VALUES (:id, :batch_id, :tenant_id, :row_index, :priority, :payload, :requested_by)
			`, chunk)
			if err != nil {
				return fmt.Errorf("failed to enqueue jobs: %w", err)
			}
			inserted += int(affected(res))
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	s.logger.Info("Batch enqueued",
		slog.String("batch_id", batchID),
		slog.String("tenant_id", req.TenantID),
		slog.Int("jobs", inserted),
	)

	return batchID, inserted, nil
}

// Cancel cancels every job of the batch that has not finished yet.
// Claimed and running jobs keep their holder so it can wind down.
func (s *Storage) Cancel(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_import_jobs
		SET status = $1,
		    last_error = 'Cancelled by user',
		    finished_at = CASE WHEN status = $2 THEN NOW() ELSE finished_at END,
		    updated_at = NOW()
		WHERE batch_id = $3 AND status IN ($2, $4, $5)
	`, domain.JobStatusCancelled, domain.JobStatusQueued, batchID,
		domain.JobStatusClaimed, domain.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}

	n := int(affected(res))
	s.logger.Info("Batch cancelled",
		slog.String("batch_id", batchID),
		slog.Int("cancelled", n),
	)
	return n, nil
}

// GetBatch returns the stored summary of a batch
func (s *Storage) GetBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+summaryColumns+` FROM batch_import_summaries WHERE batch_id = $1`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	summary := row.toDomain()
	return &summary, nil
}

// BatchOptions returns the import options of a batch
func (s *Storage) BatchOptions(ctx context.Context, batchID string) (domain.ImportOptions, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT options FROM batch_import_summaries WHERE batch_id = $1`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultImportOptions(), domain.ErrBatchNotFound
		}
		return domain.DefaultImportOptions(), fmt.Errorf("failed to get batch options: %w", err)
	}
	return domain.ParseImportOptions(raw)
}

// ListJobs returns jobs of a batch in row order plus the total matching the filter
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.ImportJob, int, error) {
	where := []string{"batch_id = $1"}
	args := []any{filter.BatchID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM batch_import_jobs WHERE `+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(filter.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM batch_import_jobs WHERE %s ORDER BY row_index LIMIT $%d OFFSET $%d`,
		jobColumns, cond, len(args)-1, len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.ImportJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	return jobs, total, nil
}

// ListTenantBatches returns the most recent batches of a tenant
func (s *Storage) ListTenantBatches(ctx context.Context, tenantID string, limit int) ([]domain.BatchSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+summaryColumns+`
		FROM batch_import_summaries
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	out := make([]domain.BatchSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// RecountBatch recomputes the counters of a batch from its jobs and moves it
// to a terminal status once every job has finished. A cancelled job still
// held by a worker is not finished: the holder may yet record success.
func (s *Storage) RecountBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error) {
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status IN ('success', 'failed', 'skipped')
				    OR (status = 'cancelled' AND claimed_by IS NULL)) AS processed,
				COUNT(*) FILTER (WHERE status = 'success') AS success,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COUNT(*) FILTER (WHERE status = 'skipped'
				    OR (status = 'cancelled' AND claimed_by IS NULL)) AS skipped,
				COUNT(*) FILTER (WHERE status <> 'queued' OR attempts > 0) AS touched
			FROM batch_import_jobs
			WHERE batch_id = $1
		)
		UPDATE batch_import_summaries s
		SET total_rows = c.total,
		    processed_rows = c.processed,
		    success_count = c.success,
		    failed_count = c.failed,
		    skipped_count = c.skipped,
		    status = CASE
		        WHEN s.status IN ('completed', 'failed') THEN s.status
		        WHEN c.total > 0 AND c.processed = c.total AND c.failed = c.total THEN 'failed'
		        WHEN c.total > 0 AND c.processed = c.total THEN 'completed'
		        WHEN c.touched > 0 THEN 'processing'
		        ELSE s.status
		    END,
		    started_at = CASE WHEN c.touched > 0 THEN COALESCE(s.started_at, NOW()) ELSE s.started_at END,
		    completed_at = CASE
		        WHEN s.status NOT IN ('completed', 'failed') AND c.total > 0 AND c.processed = c.total THEN NOW()
		        ELSE s.completed_at
		    END,
		    updated_at = NOW()
		FROM counts c
		WHERE s.batch_id = $1
		RETURNING ` + prefixed("s", summaryColumns)

	var row summaryRow
	if err := s.db.GetContext(ctx, &row, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to recount batch: %w", err)
	}

	summary := row.toDomain()
	return &summary, nil
}

// ClaimNotification marks a finished batch as notified. Only one caller ever
// gets ok == true for a batch.
func (s *Storage) ClaimNotification(ctx context.Context, batchID string) (*domain.BatchSummary, bool, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE batch_import_summaries
		SET notified_at = NOW(), updated_at = NOW()
		WHERE batch_id = $1
		  AND notified_at IS NULL
		  AND status IN ($2, $3)
		RETURNING `+summaryColumns,
		batchID, domain.BatchStatusCompleted, domain.BatchStatusFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim batch notification: %w", err)
	}

	summary := row.toDomain()
	return &summary, true, nil
}

// SaveNotification stores an in-app notification for the requesting user
func (s *Storage) SaveNotification(ctx context.Context, n domain.BatchNotification) error {
	metadata, err := json.Marshal(map[string]any{
		"batch_id": n.BatchID,
		"status":   n.Status,
		"total":    n.Total,
		"success":  n.Success,
		"failed":   n.Failed,
		"skipped":  n.Skipped,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (tenant_id, user_id, type, title, message, metadata)
		VALUES ($1, $2, 'batch_import', 'Batch import finished', $3, $4)
	`, n.TenantID, sql.NullString{String: n.RequestedBy, Valid: n.RequestedBy != ""}, n.Message, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// prefixed qualifies every column in a comma-separated list with alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
