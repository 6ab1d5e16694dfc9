package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/case-import/internal/worker"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/settings"
)

// BatchStore is the queue surface used by the admin API
type BatchStore interface {
	EnqueueBatch(ctx context.Context, req domain.BatchRequest) (string, int, error)
	GetBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.ImportJob, int, error)
	Cancel(ctx context.Context, batchID string) (int, error)
	ListTenantBatches(ctx context.Context, tenantID string, limit int) ([]domain.BatchSummary, error)
	SaveSettings(ctx context.Context, raw json.RawMessage) error
}

// Trigger runs one worker invocation
type Trigger interface {
	RunOnce(ctx context.Context) (worker.CycleReport, error)
}

// Recounter refreshes batch counters and fires the completion notice
type Recounter interface {
	Recompute(ctx context.Context, batchID string) (bool, error)
}

// HealthChecker reports whether the database is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     BatchStore
	Settings  settings.Provider
	Trigger   Trigger
	Recounter Recounter
	Health    HealthChecker

	CronSecret string
	AdminToken string
	// TriggerTimeout bounds one triggered invocation; zero means no bound
	TriggerTimeout time.Duration
	// TriggerRatePerMinute and TriggerBurst limit trigger calls per client IP
	TriggerRatePerMinute int
	TriggerBurst         int
}

// BatchHandler handles batch-related HTTP requests
type BatchHandler struct {
	logger    *slog.Logger
	store     BatchStore
	recounter Recounter
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		recounter: deps.Recounter,
	}
}

// TriggerHandler exposes the scheduled worker entry point
type TriggerHandler struct {
	logger  *slog.Logger
	trigger Trigger
	secret  string
	timeout time.Duration
}

// NewTriggerHandler creates a new TriggerHandler instance
func NewTriggerHandler(deps *Dependencies) *TriggerHandler {
	return &TriggerHandler{
		logger:  deps.Logger,
		trigger: deps.Trigger,
		secret:  deps.CronSecret,
		timeout: deps.TriggerTimeout,
	}
}

// SettingsHandler reads and overrides worker settings
type SettingsHandler struct {
	logger   *slog.Logger
	store    BatchStore
	provider settings.Provider
}

// NewSettingsHandler creates a new SettingsHandler instance
func NewSettingsHandler(deps *Dependencies) *SettingsHandler {
	return &SettingsHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		provider: deps.Settings,
	}
}
