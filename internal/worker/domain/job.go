package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ImportJob is one case row waiting to be imported into tenant data
type ImportJob struct {
	ID          string
	BatchID     string
	TenantID    string
	RowIndex    int
	Priority    int
	Payload     CaseRow
	Status      JobStatus
	Attempts    int
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	LastError   string
	ClaimedBy   string
	HeartbeatAt *time.Time
	Result      *JobResult
	RequestedBy string
	CreatedAt   time.Time
}

// Warning is a non-fatal problem recorded while processing a job
type Warning struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// JobResult is what the pipeline produced for a job
type JobResult struct {
	CaseID          string    `json:"case_id,omitempty"`
	CaseName        string    `json:"case_name,omitempty"`
	ClientID        string    `json:"client_id,omitempty"`
	ClientName      string    `json:"client_name,omitempty"`
	IsNewClient     bool      `json:"is_new_client"`
	ExternalSynced  bool      `json:"external_synced"`
	ExternalHandle  string    `json:"external_handle,omitempty"`
	UpdatedExisting bool      `json:"updated_existing,omitempty"`
	DryRun          bool      `json:"dry_run,omitempty"`
	Warnings        []Warning `json:"warnings"`
}

// Value implements driver.Valuer
func (r JobResult) Value() (driver.Value, error) {
	if r.Warnings == nil {
		r.Warnings = []Warning{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (r *JobResult) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported result type %T", src)
	}
}

// JobFilter narrows job listings for a batch
type JobFilter struct {
	BatchID string
	Status  JobStatus
	Limit   int
	Offset  int
}
