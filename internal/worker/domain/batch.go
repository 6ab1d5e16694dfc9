package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImportOptions are the per-batch import switches
type ImportOptions struct {
	DuplicateHandling DuplicatePolicy `json:"duplicateHandling"`
	DryRun            bool            `json:"dryRun"`
	CreateNewClients  bool            `json:"createNewClients"`
}

// DefaultImportOptions skips duplicates and creates missing clients
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		DuplicateHandling: DuplicateSkip,
		CreateNewClients:  true,
	}
}

// ParseImportOptions decodes stored options, keeping defaults for absent fields
func ParseImportOptions(raw []byte) (ImportOptions, error) {
	opts := DefaultImportOptions()
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return DefaultImportOptions(), fmt.Errorf("failed to parse import options: %w", err)
	}
	if opts.DuplicateHandling == "" {
		opts.DuplicateHandling = DuplicateSkip
	}
	if !opts.DuplicateHandling.IsValid() {
		return DefaultImportOptions(), fmt.Errorf("unknown duplicate handling %q", opts.DuplicateHandling)
	}
	return opts, nil
}

// BatchSummary aggregates the jobs of one batch
type BatchSummary struct {
	BatchID     string
	TenantID    string
	Options     ImportOptions
	RequestedBy string
	Total       int
	Processed   int
	Success     int
	Failed      int
	Skipped     int
	Status      BatchStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NotifiedAt  *time.Time
}

// BatchRequest is the input for enqueueing a new batch
type BatchRequest struct {
	TenantID    string
	RequestedBy string
	Options     ImportOptions
	Priority    int
	Rows        []CaseRow
}

// BatchNotification is delivered once when a batch reaches a terminal state
type BatchNotification struct {
	BatchID     string      `json:"batch_id"`
	TenantID    string      `json:"tenant_id"`
	RequestedBy string      `json:"requested_by,omitempty"`
	Status      BatchStatus `json:"status"`
	Total       int         `json:"total"`
	Success     int         `json:"success"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Message     string      `json:"message"`
}

// NewBatchNotification builds the completion message from the final counters
func NewBatchNotification(s BatchSummary) BatchNotification {
	msg := fmt.Sprintf("Batch import finished: %d succeeded", s.Success)
	switch {
	case s.Failed > 0:
		msg += fmt.Sprintf(", %d failed, %d skipped", s.Failed, s.Skipped)
	case s.Skipped > 0:
		msg += fmt.Sprintf(", %d skipped", s.Skipped)
	}

	return BatchNotification{
		BatchID:     s.BatchID,
		TenantID:    s.TenantID,
		RequestedBy: s.RequestedBy,
		Status:      s.Status,
		Total:       s.Total,
		Success:     s.Success,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		Message:     msg,
	}
}
