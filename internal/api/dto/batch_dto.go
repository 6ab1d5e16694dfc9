package dto

import (
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/settings"
)

// ImportOptions are optional per-batch flags; absent fields keep the defaults
type ImportOptions struct {
	DuplicateHandling string `json:"duplicateHandling"`
	DryRun            *bool  `json:"dryRun"`
	CreateNewClients  *bool  `json:"createNewClients"`
}

// ToDomain applies the request over the default options
func (o *ImportOptions) ToDomain() domain.ImportOptions {
	opts := domain.DefaultImportOptions()
	if o == nil {
		return opts
	}
	if o.DuplicateHandling != "" {
		opts.DuplicateHandling = domain.DuplicatePolicy(o.DuplicateHandling)
	}
	if o.DryRun != nil {
		opts.DryRun = *o.DryRun
	}
	if o.CreateNewClients != nil {
		opts.CreateNewClients = *o.CreateNewClients
	}
	return opts
}

type CreateBatchRequest struct {
	TenantID    string           `json:"tenant_id" binding:"required"`
	RequestedBy string           `json:"requested_by"`
	Priority    int              `json:"priority"`
	Options     *ImportOptions   `json:"options"`
	Rows        []domain.CaseRow `json:"rows" binding:"required"`
}

type CreateBatchResponse struct {
	BatchID  string `json:"batch_id"`
	Inserted int    `json:"inserted"`
}

type BatchDTO struct {
	BatchID     string               `json:"batch_id"`
	TenantID    string               `json:"tenant_id"`
	RequestedBy string               `json:"requested_by,omitempty"`
	Options     domain.ImportOptions `json:"options"`
	Status      string               `json:"status"`
	Total       int                  `json:"total"`
	Processed   int                  `json:"processed"`
	Success     int                  `json:"success"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	CreatedAt   string               `json:"created_at"`
	StartedAt   string               `json:"started_at,omitempty"`
	CompletedAt string               `json:"completed_at,omitempty"`
	NotifiedAt  string               `json:"notified_at,omitempty"`
}

func NewBatchDTO(s domain.BatchSummary) BatchDTO {
	return BatchDTO{
		BatchID:     s.BatchID,
		TenantID:    s.TenantID,
		RequestedBy: s.RequestedBy,
		Options:     s.Options,
		Status:      string(s.Status),
		Total:       s.Total,
		Processed:   s.Processed,
		Success:     s.Success,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		StartedAt:   formatTime(s.StartedAt),
		CompletedAt: formatTime(s.CompletedAt),
		NotifiedAt:  formatTime(s.NotifiedAt),
	}
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type ListJobsResponse struct {
	Jobs  []JobDTO `json:"jobs"`
	Total int      `json:"total"`
}

type JobDTO struct {
	JobID       string            `json:"job_id"`
	RowIndex    int               `json:"row_index"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	CaseNumber  string            `json:"court_case_number"`
	CourtName   string            `json:"court_name"`
	ClientName  string            `json:"client_name,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Result      *domain.JobResult `json:"result,omitempty"`
	ScheduledAt string            `json:"scheduled_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
}

func NewJobDTO(j domain.ImportJob) JobDTO {
	return JobDTO{
		JobID:       j.ID,
		RowIndex:    j.RowIndex,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		CaseNumber:  j.Payload.CourtCaseNumber,
		CourtName:   j.Payload.CourtName,
		ClientName:  j.Payload.ClientName,
		LastError:   j.LastError,
		Result:      j.Result,
		ScheduledAt: j.ScheduledAt.Format(time.RFC3339),
		StartedAt:   formatTime(j.StartedAt),
		FinishedAt:  formatTime(j.FinishedAt),
	}
}

type CancelBatchResponse struct {
	Cancelled int      `json:"cancelled"`
	Batch     BatchDTO `json:"batch"`
}

type TriggerResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Processed  int    `json:"processed"`
	Batches    int    `json:"batches,omitempty"`
	Reclaimed  int    `json:"reclaimed,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type SettingsDTO struct {
	WorkerBatchSize    int                  `json:"workerBatchSize"`
	WorkerConcurrency  int                  `json:"workerConcurrency"`
	RateLimitPerMinute int                  `json:"rateLimitPerMinute"`
	RequestJitterMs    settings.JitterRange `json:"requestJitterMs"`
	MaxRetries         int                  `json:"maxRetries"`
	RetryBaseDelayMs   int64                `json:"retryBaseDelayMs"`
	RetryMaxDelayMs    int64                `json:"retryMaxDelayMs"`
	ClaimTimeoutMs     int64                `json:"claimTimeoutMs"`
}

func NewSettingsDTO(s settings.Settings) SettingsDTO {
	return SettingsDTO{
		WorkerBatchSize:    s.WorkerBatchSize,
		WorkerConcurrency:  s.WorkerConcurrency,
		RateLimitPerMinute: s.RateLimitPerMinute,
		RequestJitterMs:    s.RequestJitterMs,
		MaxRetries:         s.MaxRetries,
		RetryBaseDelayMs:   s.RetryBaseDelay.Milliseconds(),
		RetryMaxDelayMs:    s.RetryMaxDelay.Milliseconds(),
		ClaimTimeoutMs:     s.ClaimTimeout.Milliseconds(),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
