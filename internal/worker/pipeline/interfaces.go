package pipeline

import (
	"context"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
)

// JobStore is the part of the queue the processor writes outcomes to.
// Every write is guarded by the claim of workerID.
type JobStore interface {
	MarkRunning(ctx context.Context, jobID, workerID string) error
	MarkSuccess(ctx context.Context, jobID, workerID string, result domain.JobResult) error
	MarkFailed(ctx context.Context, jobID, workerID, reason string, attempts, maxRetries int, delay time.Duration) (bool, error)
	MarkSkipped(ctx context.Context, jobID, workerID, reason string, ref *domain.JobResult) error
	Requeue(ctx context.Context, jobID, workerID, reason string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ReleaseCancelled(ctx context.Context, jobID, workerID string) error
	BatchOptions(ctx context.Context, batchID string) (domain.ImportOptions, error)
}

// CaseRepository holds the tenant case data an import writes into
type CaseRepository interface {
	FindCase(ctx context.Context, tenantID, caseNumber, courtName string) (*domain.CaseRef, error)
	FindClientByName(ctx context.Context, tenantID, name string) (*domain.ClientRef, error)
	CreateClient(ctx context.Context, c domain.NewClient) (*domain.ClientRef, error)
	FindMemberByName(ctx context.Context, tenantID, displayName string) (string, error)
	InsertCase(ctx context.Context, c domain.CaseRecord) (*domain.CaseRef, error)
	UpsertCase(ctx context.Context, c domain.CaseRecord) (*domain.CaseRef, error)
	UpsertParties(ctx context.Context, tenantID, caseID string, seeds []domain.PartySeed) ([]domain.PartyRef, error)
	LinkCaseClient(ctx context.Context, l domain.CaseClientLink) error
	LinkAssignees(ctx context.Context, tenantID, caseID string, assignees []domain.Assignee) error
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) (string, error)
	LinkRelatedCases(ctx context.Context, tenantID, caseID string, related []domain.LinkedCase) error
	SyncParties(ctx context.Context, tenantID, caseID string, parties []domain.RegistryParty, reps []domain.RegistryRepresentative) error
	SyncHearings(ctx context.Context, caseID, caseNumber string, hearings []domain.Hearing) error
}

// Waiter blocks until an external call may proceed
type Waiter interface {
	Wait(ctx context.Context) error
}

// Sleeper pauses between external calls
type Sleeper interface {
	Sleep(ctx context.Context) error
}
