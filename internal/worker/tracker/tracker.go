package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/notify"
)

// BatchStore is the part of the store that keeps batch counters
type BatchStore interface {
	RecountBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error)
	ClaimNotification(ctx context.Context, batchID string) (*domain.BatchSummary, bool, error)
}

// Tracker detects finished batches and notifies once per batch
type Tracker struct {
	store    BatchStore
	notifier notify.Notifier
	logger   *slog.Logger
}

// New creates a Tracker
func New(store BatchStore, notifier notify.Notifier, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Recompute refreshes the counters of batchID. When the batch has just
// finished and this caller wins the notification claim, the notifier runs.
// It reports whether a notification was sent.
func (t *Tracker) Recompute(ctx context.Context, batchID string) (bool, error) {
	summary, err := t.store.RecountBatch(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to recount batch %s: %w", batchID, err)
	}

	if !summary.Status.IsTerminal() {
		t.logger.Debug("Batch in progress",
			slog.String("batch_id", batchID),
			slog.Int("processed", summary.Processed),
			slog.Int("total", summary.Total),
		)
		return false, nil
	}

	claimed, ok, err := t.store.ClaimNotification(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification for batch %s: %w", batchID, err)
	}
	if !ok {
		return false, nil
	}

	n := domain.NewBatchNotification(*claimed)
	t.logger.Info("Batch finished",
		slog.String("batch_id", batchID),
		slog.String("status", string(claimed.Status)),
		slog.String("summary", n.Message),
	)

	if t.notifier == nil {
		return true, nil
	}
	// notified_at is already set; a delivery failure is logged, not retried
	if err := t.notifier.Notify(ctx, n); err != nil {
		t.logger.Error("Failed to deliver batch notification",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}
