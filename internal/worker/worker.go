package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/notify"
	"github.com/cuongbtq/case-import/internal/worker/pipeline"
	"github.com/cuongbtq/case-import/internal/worker/ratelimit"
	"github.com/cuongbtq/case-import/internal/worker/registry"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/cuongbtq/case-import/internal/worker/tracker"
	"github.com/google/uuid"
)

// Store is everything an invocation needs from persistence
type Store interface {
	pipeline.JobStore
	pipeline.CaseRepository
	tracker.BatchStore
	Dequeue(ctx context.Context, limit int, workerID string) ([]domain.ImportJob, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	ReclaimStale(ctx context.Context, timeout time.Duration, maxRetries int) ([]string, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    Store
	Settings settings.Provider
	// Registry may be nil; external sync then only records a warning
	Registry     registry.Client
	Notifier     notify.Notifier
	PollInterval time.Duration
}

// CycleReport summarises one invocation
type CycleReport struct {
	WorkerID  string
	Processed int
	Batches   int
	Notified  int
	// Reclaimed counts batches with claims taken back from stopped workers
	Reclaimed int
	Outcomes  map[pipeline.Outcome]int
	Duration  time.Duration
}

// Runner claims due jobs and drives them through the pipeline
type Runner struct {
	logger       *slog.Logger
	store        Store
	settings     settings.Provider
	registry     registry.Client
	tracker      *tracker.Tracker
	pollInterval time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewRunner creates a new Runner
func NewRunner(cfg *Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		logger:       logger,
		store:        cfg.Store,
		settings:     cfg.Settings,
		registry:     cfg.Registry,
		tracker:      tracker.New(cfg.Store, cfg.Notifier, logger),
		pollInterval: cfg.PollInterval,
		stopChan:     make(chan struct{}),
	}
}

// RunOnce claims up to WorkerBatchSize jobs and processes them. Limiter,
// jitter and processor live only for this call.
func (r *Runner) RunOnce(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{
		WorkerID: uuid.NewString(),
		Outcomes: map[pipeline.Outcome]int{},
	}
	logger := r.logger.With(slog.String("worker_id", report.WorkerID))

	s, err := r.settings.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load settings: %w", err)
	}

	reclaimed, err := r.store.ReclaimStale(ctx, s.ClaimTimeout, s.MaxRetries)
	if err != nil {
		logger.Warn("Failed to reclaim stale jobs",
			slog.String("error", err.Error()),
		)
	}
	report.Reclaimed = len(reclaimed)

	jobs, err := r.store.Dequeue(ctx, s.WorkerBatchSize, report.WorkerID)
	if err != nil {
		return report, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	if len(jobs) == 0 {
		report.Notified = r.recompute(ctx, reclaimed, logger)
		report.Duration = time.Since(start)
		logger.Debug("No jobs to process")
		return report, nil
	}

	logger.Info("Processing claimed jobs",
		slog.Int("jobs", len(jobs)),
		slog.Int("concurrency", s.WorkerConcurrency),
		slog.Int("rate_limit_per_minute", s.RateLimitPerMinute),
	)

	proc := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     r.store,
		Cases:    r.store,
		Registry: r.registry,
		Limiter:  ratelimit.New(s.RateLimitPerMinute),
		Jitter:   ratelimit.NewJitter(s.RequestJitterMs.Min, s.RequestJitterMs.Max),
		Settings: s,
		WorkerID: report.WorkerID,
		Logger:   r.logger,
	})

	var mu sync.Mutex
	record := func(o pipeline.Outcome) {
		mu.Lock()
		report.Outcomes[o]++
		mu.Unlock()
	}

	errs := RunPool(ctx, jobs, s.WorkerConcurrency, func(ctx context.Context, job domain.ImportJob) error {
		stop := r.heartbeat(ctx, job.ID, report.WorkerID, s.HeartbeatInterval(), logger)
		defer stop()

		outcome, err := proc.Process(ctx, job)
		if outcome != "" {
			record(outcome)
		}
		return err
	}, logger)

	for i, err := range errs {
		if err == nil {
			continue
		}
		job := jobs[i]
		if !errors.Is(err, domain.ErrWorkerCrash) {
			logger.Error("Failed to record job outcome",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if o := r.failCrashed(ctx, report.WorkerID, job, err, s); o != "" {
			record(o)
		}
	}

	batches := touchedBatches(jobs, reclaimed)
	report.Notified = r.recompute(ctx, batches, logger)

	report.Processed = len(jobs)
	report.Batches = len(batches)
	report.Duration = time.Since(start)

	logger.Info("Worker invocation finished",
		slog.Int("processed", report.Processed),
		slog.Int("batches", report.Batches),
		slog.Int("notified", report.Notified),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// recompute refreshes every batch in batchIDs and returns how many
// notifications were sent
func (r *Runner) recompute(ctx context.Context, batchIDs []string, logger *slog.Logger) int {
	notified := 0
	for _, batchID := range batchIDs {
		sent, err := r.tracker.Recompute(context.WithoutCancel(ctx), batchID)
		if err != nil {
			logger.Error("Failed to recompute batch",
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if sent {
			notified++
		}
	}
	return notified
}

// heartbeat keeps the claim on jobID alive until the returned func is called
func (r *Runner) heartbeat(ctx context.Context, jobID, workerID string, interval time.Duration, logger *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := r.store.Heartbeat(context.WithoutCancel(ctx), jobID, workerID)
				if errors.Is(err, domain.ErrClaimLost) {
					return
				}
				if err != nil {
					logger.Warn("Failed to send job heartbeat",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// failCrashed records a crashed job as a retryable failure
func (r *Runner) failCrashed(ctx context.Context, workerID string, job domain.ImportJob, cause error, s settings.Settings) pipeline.Outcome {
	requeued, err := r.store.MarkFailed(context.WithoutCancel(ctx), job.ID, workerID,
		cause.Error(), job.Attempts, s.MaxRetries, s.Backoff(job.Attempts+1))
	switch {
	case errors.Is(err, domain.ErrJobCancelled):
		return pipeline.OutcomeCancelled
	case errors.Is(err, domain.ErrClaimLost):
		// the outcome was recorded before the panic
		return ""
	case err != nil:
		r.logger.Error("Failed to record crashed job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return ""
	case requeued:
		return pipeline.OutcomeRetry
	default:
		return pipeline.OutcomeFailed
	}
}

func touchedBatches(jobs []domain.ImportJob, extra []string) []string {
	seen := make(map[string]bool, len(jobs)+len(extra))
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, j := range jobs {
		add(j.BatchID)
	}
	for _, id := range extra {
		add(id)
	}
	return ids
}

// Start polls for due jobs every PollInterval until ctx is done or Stop is
// called. It blocks.
func (r *Runner) Start(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", r.pollInterval)
	}
	r.wg.Add(1)
	defer r.wg.Done()

	r.logger.Info("Starting worker poll loop",
		slog.Duration("poll_interval", r.pollInterval),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Worker invocation failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Worker poll loop stopped")
			return nil
		case <-r.stopChan:
			r.logger.Info("Worker poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends the poll loop and waits for the running invocation to finish
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping worker")
		close(r.stopChan)
	})
	r.wg.Wait()
}
