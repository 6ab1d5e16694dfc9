// Package cli contains the cobra commands of the caseimport tool.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/cuongbtq/case-import/internal/worker"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/spf13/cobra"
)

// Store is the queue surface the commands use
type Store interface {
	EnqueueBatch(ctx context.Context, req domain.BatchRequest) (string, int, error)
	GetBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.ImportJob, int, error)
	Cancel(ctx context.Context, batchID string) (int, error)
}

// Env is what a command runs against
type Env struct {
	Logger    *slog.Logger
	Store     Store
	Runner    *worker.Runner
	Recounter interface {
		Recompute(ctx context.Context, batchID string) (bool, error)
	}
}

// Opener builds the Env for a command and returns a function releasing it
type Opener func(ctx context.Context) (*Env, func(), error)

// Migrator applies the database schema
type Migrator func(ctx context.Context) error

// NewRoot constructs the root command
func NewRoot(open Opener, migrate Migrator) *cobra.Command {
	root := &cobra.Command{
		Use:           "caseimport",
		Short:         "Batch case import tool",
		Long:          "caseimport enqueues case rows for import, runs the worker once, and inspects or cancels batches.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newEnqueueCommand(open),
		newRunOnceCommand(open),
		newStatusCommand(open),
		newCancelCommand(open),
		newMigrateCommand(migrate),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
