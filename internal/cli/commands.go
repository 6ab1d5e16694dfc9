package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuongbtq/case-import/internal/api/dto"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newEnqueueCommand constructs the `enqueue` subcommand
func newEnqueueCommand(open Opener) *cobra.Command {
	var (
		file            string
		tenantID        string
		requestedBy     string
		duplicate       string
		dryRun          bool
		noCreateClients bool
		priority        int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a batch of case rows from a JSON file",
		Long: `Enqueue reads a JSON array of case rows (or an object with a "rows" array)
and creates one import job per row.`,
		Example: `  caseimport enqueue --file rows.json --tenant 6f1c... --requested-by user-1 --duplicate update`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := domain.DuplicatePolicy(duplicate)
			if !policy.IsValid() {
				return fmt.Errorf("--duplicate must be one of skip, update, error")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read rows file: %w", err)
			}
			rows, err := decodeRows(data)
			if err != nil {
				return err
			}

			env, closeEnv, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			batchID, inserted, err := env.Store.EnqueueBatch(cmd.Context(), domain.BatchRequest{
				TenantID:    tenantID,
				RequestedBy: requestedBy,
				Priority:    priority,
				Options: domain.ImportOptions{
					DuplicateHandling: policy,
					DryRun:            dryRun,
					CreateNewClients:  !noCreateClients,
				},
				Rows: rows,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue batch: %w", err)
			}

			return printJSON(cmd.OutOrStdout(), dto.CreateBatchResponse{
				BatchID:  batchID,
				Inserted: inserted,
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the case rows")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (UUID)")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "User to notify when the batch finishes")
	cmd.Flags().StringVar(&duplicate, "duplicate", string(domain.DuplicateSkip), "Duplicate handling: skip, update or error")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and look cases up without writing them")
	cmd.Flags().BoolVar(&noCreateClients, "no-create-clients", false, "Do not create clients missing from the tenant")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher priority batches are claimed first")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func decodeRows(data []byte) ([]domain.CaseRow, error) {
	data = bytes.TrimSpace(data)
	var rows []domain.CaseRow
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Rows []domain.CaseRow `json:"rows"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse rows file: %w", err)
		}
		rows = wrapped.Rows
	} else if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse rows file: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	return rows, nil
}

// newRunOnceCommand constructs the `run-once` subcommand
func newRunOnceCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Claim due jobs and process them once",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, closeEnv, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			report, err := env.Runner.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			resp := dto.TriggerResponse{
				Success:    true,
				Processed:  report.Processed,
				Batches:    report.Batches,
				Reclaimed:  report.Reclaimed,
				DurationMs: report.Duration.Milliseconds(),
			}
			if report.Processed == 0 {
				resp.Message = "No jobs"
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// newStatusCommand constructs the `status` subcommand
func newStatusCommand(open Opener) *cobra.Command {
	var (
		showJobs bool
		status   string
	)

	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the progress of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			if _, err := uuid.Parse(batchID); err != nil {
				return fmt.Errorf("batch id must be a UUID")
			}
			if status != "" && !domain.JobStatus(status).IsValid() {
				return fmt.Errorf("unknown job status %q", status)
			}

			env, closeEnv, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			summary, err := env.Store.GetBatch(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			if !showJobs && status == "" {
				return printJSON(cmd.OutOrStdout(), dto.NewBatchDTO(*summary))
			}

			jobs, total, err := env.Store.ListJobs(cmd.Context(), domain.JobFilter{
				BatchID: batchID,
				Status:  domain.JobStatus(status),
				Limit:   summary.Total,
			})
			if err != nil {
				return err
			}
			out := struct {
				Batch dto.BatchDTO `json:"batch"`
				dto.ListJobsResponse
			}{Batch: dto.NewBatchDTO(*summary)}
			out.Total = total
			out.Jobs = make([]dto.JobDTO, len(jobs))
			for i, j := range jobs {
				out.Jobs[i] = dto.NewJobDTO(j)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&showJobs, "jobs", false, "Include the jobs of the batch")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status (implies --jobs)")
	return cmd
}

// newCancelCommand constructs the `cancel` subcommand
func newCancelCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel the unfinished jobs of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			if _, err := uuid.Parse(batchID); err != nil {
				return fmt.Errorf("batch id must be a UUID")
			}

			env, closeEnv, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			if _, err := env.Store.GetBatch(cmd.Context(), batchID); err != nil {
				return err
			}
			n, err := env.Store.Cancel(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			if _, err := env.Recounter.Recompute(cmd.Context(), batchID); err != nil {
				return err
			}
			summary, err := env.Store.GetBatch(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto.CancelBatchResponse{
				Cancelled: n,
				Batch:     dto.NewBatchDTO(*summary),
			})
		},
	}
}

// newMigrateCommand constructs the `migrate` subcommand
func newMigrateCommand(migrate Migrator) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return err
		},
	}
}
