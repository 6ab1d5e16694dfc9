package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/case-import/internal/api/dto"
	"github.com/cuongbtq/case-import/internal/worker"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/cuongbtq/case-import/internal/worker/storage"
	"github.com/cuongbtq/case-import/internal/worker/tracker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.MemoryStore
	opened   int
	closed   int
	migrated int
}

func newFixture() *fixture {
	return &fixture{store: storage.NewMemoryStore()}
}

func (f *fixture) open(context.Context) (*Env, func(), error) {
	f.opened++
	logger := slog.New(slog.DiscardHandler)
	s := settings.Defaults()
	s.RequestJitterMs = settings.JitterRange{}
	return &Env{
		Logger: logger,
		Store:  f.store,
		Runner: worker.NewRunner(&worker.Config{
			Logger:   logger,
			Store:    f.store,
			Settings: settings.Static{Settings: s},
		}),
		Recounter: tracker.New(f.store, nil, logger),
	}, func() { f.closed++ }, nil
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(f.open, func(context.Context) error {
		f.migrated++
		return nil
	})
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeRows(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const rowsJSON = `[
  {"court_case_number": "2024가단12345", "court_name": "서울중앙지방법원", "client_name": "홍길동"},
  {"court_case_number": "2024가단67890", "court_name": "서울중앙지방법원", "client_name": "김철수"}
]`

func enqueue(t *testing.T, f *fixture, extra ...string) dto.CreateBatchResponse {
	t.Helper()
	args := append([]string{"enqueue", "--file", writeRows(t, rowsJSON), "--tenant", uuid.NewString()}, extra...)
	out, err := f.run(t, args...)
	require.NoError(t, err)
	var resp dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp
}

func TestEnqueue(t *testing.T) {
	f := newFixture()
	resp := enqueue(t, f, "--requested-by", "user-1", "--duplicate", "update", "--dry-run", "--no-create-clients")
	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, 1, f.closed)

	summary, err := f.store.GetBatch(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", summary.RequestedBy)
	assert.Equal(t, domain.ImportOptions{
		DuplicateHandling: domain.DuplicateUpdate,
		DryRun:            true,
		CreateNewClients:  false,
	}, summary.Options)
}

func TestEnqueue_WrappedRows(t *testing.T) {
	f := newFixture()
	path := writeRows(t, `{"rows": `+rowsJSON+`}`)
	_, err := f.run(t, "enqueue", "--file", path, "--tenant", uuid.NewString())
	require.NoError(t, err)
}

func TestEnqueue_Errors(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
		want string
	}{
		{
			name: "bad duplicate policy",
			args: func(t *testing.T) []string {
				return []string{"enqueue", "--file", writeRows(t, rowsJSON), "--tenant", uuid.NewString(), "--duplicate", "merge"}
			},
			want: "--duplicate must be one of",
		},
		{
			name: "missing file",
			args: func(t *testing.T) []string {
				return []string{"enqueue", "--file", filepath.Join(t.TempDir(), "none.json"), "--tenant", uuid.NewString()}
			},
			want: "failed to read rows file",
		},
		{
			name: "empty rows",
			args: func(t *testing.T) []string {
				return []string{"enqueue", "--file", writeRows(t, `[]`), "--tenant", uuid.NewString()}
			},
			want: domain.ErrEmptyBatch.Error(),
		},
		{
			name: "tenant not a uuid",
			args: func(t *testing.T) []string {
				return []string{"enqueue", "--file", writeRows(t, rowsJSON), "--tenant", "acme"}
			},
			want: "tenant_id must be a UUID",
		},
		{
			name: "required flags",
			args: func(t *testing.T) []string { return []string{"enqueue"} },
			want: "required flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFixture().run(t, tt.args(t)...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRunOnceAndStatus(t *testing.T) {
	f := newFixture()
	batch := enqueue(t, f)

	out, err := f.run(t, "run-once")
	require.NoError(t, err)
	var report dto.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Processed)

	out, err = f.run(t, "status", batch.BatchID)
	require.NoError(t, err)
	var summary dto.BatchDTO
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, string(domain.BatchStatusCompleted), summary.Status)
	assert.Equal(t, 2, summary.Success)

	out, err = f.run(t, "status", batch.BatchID, "--status", "success")
	require.NoError(t, err)
	var withJobs struct {
		Batch dto.BatchDTO `json:"batch"`
		Jobs  []dto.JobDTO `json:"jobs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &withJobs))
	assert.Equal(t, 2, withJobs.Total)
	assert.Len(t, withJobs.Jobs, 2)

	out, err = f.run(t, "run-once")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs")
}

func TestStatus_Errors(t *testing.T) {
	f := newFixture()

	_, err := f.run(t, "status", "nope")
	assert.ErrorContains(t, err, "must be a UUID")

	_, err = f.run(t, "status", uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	_, err = f.run(t, "status")
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture()
	batch := enqueue(t, f)

	out, err := f.run(t, "cancel", batch.BatchID)
	require.NoError(t, err)
	var resp dto.CancelBatchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Cancelled)
	assert.Equal(t, string(domain.BatchStatusCompleted), resp.Batch.Status)

	_, err = f.run(t, "cancel", uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestMigrate(t *testing.T) {
	f := newFixture()
	out, err := f.run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, 1, f.migrated)
	assert.Equal(t, 0, f.opened)
	assert.Contains(t, out, "Migrations applied")

	root := NewRoot(f.open, func(context.Context) error { return errors.New("dirty database version 2") })
	root.SetArgs([]string{"migrate"})
	root.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, root.Execute(), "dirty database")
}
