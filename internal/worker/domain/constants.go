package domain

// JobStatus is the lifecycle state of an import job
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further processing will happen for the job
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known job status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusClaimed, JobStatusRunning,
		JobStatusSuccess, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// BatchStatus is the aggregate state of a batch
type BatchStatus string

// Batch status constants
const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsTerminal reports whether every job of the batch has finished
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// DuplicatePolicy decides what happens when a case already exists for the tenant
type DuplicatePolicy string

const (
	DuplicateSkip   DuplicatePolicy = "skip"
	DuplicateUpdate DuplicatePolicy = "update"
	DuplicateError  DuplicatePolicy = "error"
)

// IsValid reports whether p is a known policy
func (p DuplicatePolicy) IsValid() bool {
	switch p {
	case DuplicateSkip, DuplicateUpdate, DuplicateError:
		return true
	}
	return false
}

// Pipeline step names. Warnings are tagged with them.
const (
	StepValidate       = "validate"
	StepParse          = "parse"
	StepDuplicate      = "duplicate"
	StepExternalSync   = "external_sync"
	StepClient         = "client"
	StepAssignedLawyer = "assigned_lawyer"
	StepAssignedStaff  = "assigned_staff"
	StepPersist        = "persist"
	StepParties        = "parties"
	StepCaseClient     = "case_client"
	StepCaseAssignees  = "case_assignees"
	StepSnapshot       = "snapshot"
	StepRelatedCases   = "related_cases"
	StepPartySync      = "party_sync"
	StepHearingSync    = "hearing_sync"
)

// MaxReasonLength bounds failure reasons stored on a job
const MaxReasonLength = 1000

// Reasons recorded by the queue itself
const (
	ReasonClaimExpired = "Claim expired: worker stopped sending heartbeats"
	ReasonInterrupted  = "Invocation ended before the job could run"
)
