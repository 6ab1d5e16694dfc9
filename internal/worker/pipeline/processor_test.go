package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/pipeline"
	"github.com/cuongbtq/case-import/internal/worker/registry"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/cuongbtq/case-import/internal/worker/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorker = "worker-1"

type fakeRegistry struct {
	mu      sync.Mutex
	info    *domain.CaseInfo
	err     error
	queries []registry.Query
}

func (f *fakeRegistry) SearchCase(_ context.Context, q registry.Query) (*domain.CaseInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

type countingWaiter struct {
	n atomic.Int32
}

func (c *countingWaiter) Wait(context.Context) error {
	c.n.Add(1)
	return nil
}

type harness struct {
	store    *storage.MemoryStore
	tenantID string
	batchID  string
	jobs     []domain.ImportJob
}

func setup(t *testing.T, opts domain.ImportOptions, rows ...domain.CaseRow) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), tenantID: uuid.NewString()}
	h.enqueue(t, opts, rows...)
	return h
}

func (h *harness) enqueue(t *testing.T, opts domain.ImportOptions, rows ...domain.CaseRow) {
	t.Helper()
	ctx := context.Background()
	batchID, _, err := h.store.EnqueueBatch(ctx, domain.BatchRequest{
		TenantID: h.tenantID,
		Options:  opts,
		Rows:     rows,
	})
	require.NoError(t, err)
	jobs, err := h.store.Dequeue(ctx, len(rows), testWorker)
	require.NoError(t, err)
	require.Len(t, jobs, len(rows))
	h.batchID = batchID
	h.jobs = jobs
}

func (h *harness) processor(reg registry.Client) *pipeline.Processor {
	return pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: reg,
		Settings: settings.Defaults(),
		WorkerID: testWorker,
		Logger:   slog.New(slog.DiscardHandler),
	})
}

func (h *harness) job(t *testing.T, i int) *domain.ImportJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), h.jobs[i].ID)
	require.NoError(t, err)
	return job
}

func validRow() domain.CaseRow {
	return domain.CaseRow{
		CourtCaseNumber: "서울중앙지방법원 2024가단12345",
		CourtName:       " 서울중앙지방법원 ",
		ClientName:      "홍길동",
		OpponentName:    "김철수",
		ClientPhone:     "010-1234-5678",
	}
}

func found() *fakeRegistry {
	return &fakeRegistry{info: &domain.CaseInfo{Handle: "enc-1"}}
}

func warningSteps(ws []domain.Warning) []string {
	steps := make([]string, 0, len(ws))
	for _, w := range ws {
		steps = append(steps, w.Step)
	}
	return steps
}

func TestProcessor_Success(t *testing.T) {
	row := validRow()
	fee := int64(3_300_000)
	row.RetainerFee = &fee
	row.ContractDate = "2024-01-15"
	h := setup(t, domain.DefaultImportOptions(), row)
	lawyer := h.store.AddMember(h.tenantID, "박변호")
	h.jobs[0].Payload.AssignedLawyer = "박변호"
	reg := found()

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	job := h.job(t, 0)
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Empty(t, job.Result.Warnings)
	assert.True(t, job.Result.IsNewClient)
	assert.True(t, job.Result.ExternalSynced)
	assert.Equal(t, "enc-1", job.Result.ExternalHandle)
	assert.Equal(t, "홍길동 민사", job.Result.CaseName)

	require.Len(t, reg.queries, 1)
	assert.Equal(t, registry.Query{
		CourtName: "서울중앙지방법원",
		Year:      "2024",
		CaseType:  "가단",
		Serial:    "12345",
		PartyName: "홍길동",
	}, reg.queries[0])

	cases := h.store.Cases()
	require.Len(t, cases, 1)
	c := cases[0]
	assert.Equal(t, "2024가단12345", c.Record.CourtCaseNumber)
	assert.Equal(t, "서울중앙지방법원", c.Record.CourtName)
	assert.Equal(t, pipeline.CaseStatusActive, c.Record.Status)
	assert.Equal(t, lawyer, c.Record.AssignedTo)
	assert.Equal(t, "enc-1", c.Record.ExternalHandle)
	assert.NotNil(t, c.Record.ExternalSyncedAt)
	require.Len(t, c.Parties, 2)
	require.Len(t, c.Clients, 1)
	assert.Equal(t, job.Result.ClientID, c.Clients[0].ClientID)
	assert.Equal(t, c.Parties[0].ID, c.Clients[0].LinkedPartyID)
	assert.Equal(t, &fee, c.Clients[0].RetainerFee)
	require.Len(t, c.Assignees, 1)
	assert.True(t, c.Assignees[0].IsPrimary)
	// no detail from the registry, nothing to snapshot
	assert.Empty(t, c.SnapshotID)
}

func TestProcessor_WarningsAreNotFatal(t *testing.T) {
	row := validRow()
	row.AssignedLawyer = "없는변호사"
	h := setup(t, domain.DefaultImportOptions(), row)
	reg := &fakeRegistry{err: registry.ErrRegistryTimeout}

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	job := h.job(t, 0)
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, []string{domain.StepExternalSync, domain.StepAssignedLawyer}, warningSteps(job.Result.Warnings))
	assert.False(t, job.Result.ExternalSynced)
	assert.Len(t, h.store.Cases(), 1)
}

func TestProcessor_DuplicateSkipIsIdempotent(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	p := h.processor(found())

	outcome, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, outcome)
	first := h.job(t, 0)

	h.enqueue(t, domain.DefaultImportOptions(), validRow())
	outcome, err = p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSkipped, outcome)

	skipped := h.job(t, 0)
	assert.Equal(t, domain.JobStatusSkipped, skipped.Status)
	require.NotNil(t, skipped.Result)
	assert.Equal(t, first.Result.CaseID, skipped.Result.CaseID)
	assert.Len(t, h.store.Cases(), 1)
	assert.Equal(t, 1, h.store.ClientCount())
}

func TestProcessor_DuplicateError(t *testing.T) {
	opts := domain.DefaultImportOptions()
	opts.DuplicateHandling = domain.DuplicateError
	h := setup(t, opts, validRow(), validRow())
	p := h.processor(found())

	outcome, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, outcome)

	outcome, err = p.Process(context.Background(), h.jobs[1])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeFailed, outcome)

	job := h.job(t, 1)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, settings.Defaults().MaxRetries, job.Attempts)
	assert.Contains(t, job.LastError, domain.ErrDuplicate.Error())
}

func TestProcessor_UpdateMode(t *testing.T) {
	opts := domain.DefaultImportOptions()
	opts.DuplicateHandling = domain.DuplicateUpdate
	first := validRow()
	second := validRow()
	second.CaseName = "손해배상(기)"
	second.Notes = "updated"
	h := setup(t, opts, first, second)
	p := h.processor(found())

	for i := range h.jobs {
		outcome, err := p.Process(context.Background(), h.jobs[i])
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeSuccess, outcome)
	}

	assert.False(t, h.job(t, 0).Result.UpdatedExisting)
	updated := h.job(t, 1)
	assert.True(t, updated.Result.UpdatedExisting)
	assert.Equal(t, h.job(t, 0).Result.CaseID, updated.Result.CaseID)

	cases := h.store.Cases()
	require.Len(t, cases, 1)
	assert.Equal(t, "손해배상(기)", cases[0].Record.CaseName)
	assert.Equal(t, "updated", cases[0].Record.Notes)
}

func TestProcessor_DryRun(t *testing.T) {
	opts := domain.DefaultImportOptions()
	opts.DryRun = true
	h := setup(t, opts, validRow())

	outcome, err := h.processor(found()).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	job := h.job(t, 0)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.DryRun)
	assert.True(t, job.Result.ExternalSynced)
	assert.Empty(t, job.Result.CaseID)
	assert.Empty(t, h.store.Cases())
	assert.Zero(t, h.store.ClientCount())
}

func TestProcessor_InvalidRowsFailForGood(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CaseRow)
	}{
		{"missing case number", func(r *domain.CaseRow) { r.CourtCaseNumber = "" }},
		{"missing court", func(r *domain.CaseRow) { r.CourtName = "  " }},
		{"missing party", func(r *domain.CaseRow) { r.ClientName, r.OpponentName = "", "" }},
		{"unparseable case number", func(r *domain.CaseRow) { r.CourtCaseNumber = "사건번호 미상" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(&row)
			h := setup(t, domain.DefaultImportOptions(), row)
			reg := found()

			outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
			require.NoError(t, err)
			assert.Equal(t, pipeline.OutcomeFailed, outcome)

			job := h.job(t, 0)
			assert.Equal(t, domain.JobStatusFailed, job.Status)
			assert.Contains(t, job.LastError, domain.ErrValidation.Error())
			assert.Equal(t, settings.Defaults().MaxRetries, job.Attempts)
			assert.Empty(t, reg.queries)
			assert.Empty(t, h.store.Cases())
		})
	}
}

func TestProcessor_PersistenceFailureRetries(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	h.store.FailOn("InsertCase", errors.New("connection reset by peer"))

	outcome, err := h.processor(found()).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeRetry, outcome)

	job := h.job(t, 0)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "connection reset")
	assert.True(t, job.ScheduledAt.After(job.CreatedAt))
}

func TestProcessor_PermanentPersistenceFailure(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	h.store.FailOn("InsertCase", domain.NewPermanentError(domain.ErrPersistence))

	outcome, err := h.processor(found()).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeFailed, outcome)
	assert.Equal(t, domain.JobStatusFailed, h.job(t, 0).Status)
}

func TestProcessor_SubStepFailuresBecomeWarnings(t *testing.T) {
	row := validRow()
	row.AssignedLawyer = "박변호"
	h := setup(t, domain.DefaultImportOptions(), row)
	h.store.AddMember(h.tenantID, "박변호")
	h.store.FailOn("LinkAssignees", errors.New("deadlock detected"))
	h.store.FailOn("SaveSnapshot", errors.New("disk full"))

	reg := &fakeRegistry{info: &domain.CaseInfo{
		Handle:   "enc-1",
		Hearings: []domain.Hearing{{Date: "2024-05-01", Time: "10:00", Type: "변론기일"}},
	}}

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	job := h.job(t, 0)
	assert.ElementsMatch(t, []string{domain.StepCaseAssignees, domain.StepSnapshot}, warningSteps(job.Result.Warnings))

	cases := h.store.Cases()
	require.Len(t, cases, 1)
	assert.Len(t, cases[0].Hearings, 1)
}

func TestProcessor_RegistryData(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	reg := &fakeRegistry{info: &domain.CaseInfo{
		Handle:          "enc-1",
		Parties:         []domain.RegistryParty{{Name: "김철수", Kind: "피고"}},
		Representatives: []domain.RegistryRepresentative{{Kind: "원고 소송대리인", Name: "법무법인 가"}},
		Hearings:        []domain.Hearing{{Date: "2024-05-01", Type: "변론기일"}, {Date: ""}},
		LowerCourt:      []domain.LinkedCase{{CaseNumber: "2023가단999"}},
		RelatedCases:    []domain.LinkedCase{{CaseNumber: "2024카단100", Relation: "가압류"}},
	}}

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)
	assert.Empty(t, h.job(t, 0).Result.Warnings)

	cases := h.store.Cases()
	require.Len(t, cases, 1)
	c := cases[0]
	assert.NotEmpty(t, c.SnapshotID)
	assert.Len(t, c.Hearings, 1)
	assert.Len(t, c.Representatives, 1)
	// client seed, opponent seed merged with the registry defendant
	assert.Len(t, c.Parties, 2)
	require.Len(t, c.Related, 2)
	assert.True(t, c.Related[0].LowerCourt)
	assert.False(t, c.Related[1].LowerCourt)
}

func TestProcessor_NoClientCreation(t *testing.T) {
	opts := domain.DefaultImportOptions()
	opts.CreateNewClients = false
	h := setup(t, opts, validRow())

	outcome, err := h.processor(found()).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	job := h.job(t, 0)
	assert.Empty(t, job.Result.ClientID)
	assert.Equal(t, []string{domain.StepClient}, warningSteps(job.Result.Warnings))
	assert.Zero(t, h.store.ClientCount())
}

func TestProcessor_OpponentOnlyRow(t *testing.T) {
	row := validRow()
	row.ClientName = ""
	h := setup(t, domain.DefaultImportOptions(), row)
	reg := found()

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	require.Len(t, reg.queries, 1)
	assert.Equal(t, "김철수", reg.queries[0].PartyName)
	job := h.job(t, 0)
	assert.Equal(t, []string{domain.StepClient}, warningSteps(job.Result.Warnings))
	assert.Equal(t, "2024가단12345", job.Result.CaseName)
}

func TestProcessor_CancelledBatch(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	_, err := h.store.Cancel(context.Background(), h.batchID)
	require.NoError(t, err)
	reg := found()

	outcome, err := h.processor(reg).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeCancelled, outcome)

	job := h.job(t, 0)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Empty(t, job.ClaimedBy)
	assert.Empty(t, reg.queries)
	assert.Empty(t, h.store.Cases())
}

func TestProcessor_ClaimLost(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	p := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: found(),
		Settings: settings.Defaults(),
		WorkerID: "someone-else",
	})

	outcome, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeLost, outcome)
	assert.Equal(t, domain.JobStatusClaimed, h.job(t, 0).Status)
}

func TestProcessor_ConcurrentSameCase(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow(), validRow(), validRow())
	p := h.processor(found())

	outcomes := make([]pipeline.Outcome, len(h.jobs))
	var wg sync.WaitGroup
	for i := range h.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.Process(context.Background(), h.jobs[i])
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t,
		[]pipeline.Outcome{pipeline.OutcomeSuccess, pipeline.OutcomeSkipped, pipeline.OutcomeSkipped},
		outcomes)
	assert.Len(t, h.store.Cases(), 1)
}

func TestProcessor_UsesLimiter(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	waiter := &countingWaiter{}
	p := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: found(),
		Limiter:  waiter,
		Settings: settings.Defaults(),
		WorkerID: testWorker,
	})

	_, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, int32(1), waiter.n.Load())
}

type failingWaiter struct {
	err error
}

func (f failingWaiter) Wait(context.Context) error { return f.err }

func TestProcessor_InterruptedWaitKeepsAttempts(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	reg := found()
	p := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: reg,
		Limiter:  failingWaiter{err: context.DeadlineExceeded},
		Settings: settings.Defaults(),
		WorkerID: testWorker,
	})

	outcome, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeRequeued, outcome)

	job := h.job(t, 0)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.ClaimedBy)
	assert.Equal(t, domain.ReasonInterrupted, job.LastError)
	assert.Empty(t, reg.queries)
	assert.Empty(t, h.store.Cases())

	// back in the queue for the next invocation
	again, err := h.store.Dequeue(context.Background(), 1, "worker-2")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, job.ID, again[0].ID)
}

func TestProcessor_WaitFailureRetries(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())
	p := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: found(),
		Limiter:  failingWaiter{err: errors.New("limiter backend unavailable")},
		Settings: settings.Defaults(),
		WorkerID: testWorker,
	})

	outcome, err := p.Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeRetry, outcome)
	assert.Equal(t, 1, h.job(t, 0).Attempts)
}

func TestProcessor_ContractDate(t *testing.T) {
	today := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		name     string
		date     string
		want     string
		warnings []string
	}{
		{"iso date", "2024-01-15", "2024-01-15", nil},
		{"dotted date", "2024.01.15", "2024-01-15", nil},
		{"compact date", " 20240115 ", "2024-01-15", nil},
		{"empty defaults to today", "", "2024-03-01", nil},
		{"not a date", "계약일 미정", "2024-03-01", []string{domain.StepValidate}},
		{"impossible date", "2024-02-30", "2024-03-01", []string{domain.StepValidate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			row.ContractDate = tt.date
			h := setup(t, domain.DefaultImportOptions(), row)
			p := pipeline.NewProcessor(pipeline.Deps{
				Jobs:     h.store,
				Cases:    h.store,
				Registry: found(),
				Settings: settings.Defaults(),
				WorkerID: testWorker,
				Now:      func() time.Time { return today },
			})

			outcome, err := p.Process(context.Background(), h.jobs[0])
			require.NoError(t, err)
			assert.Equal(t, pipeline.OutcomeSuccess, outcome)

			cases := h.store.Cases()
			require.Len(t, cases, 1)
			assert.Equal(t, tt.want, cases[0].Record.ContractDate)
			if tt.warnings == nil {
				assert.Empty(t, h.job(t, 0).Result.Warnings)
			} else {
				assert.Equal(t, tt.warnings, warningSteps(h.job(t, 0).Result.Warnings))
			}
		})
	}
}

func TestProcessor_UpdateKeepsContractDate(t *testing.T) {
	opts := domain.DefaultImportOptions()
	opts.DuplicateHandling = domain.DuplicateUpdate
	first := validRow()
	first.ContractDate = "2023-06-01"
	second := validRow()
	h := setup(t, opts, first, second)
	p := pipeline.NewProcessor(pipeline.Deps{
		Jobs:     h.store,
		Cases:    h.store,
		Registry: found(),
		Settings: settings.Defaults(),
		WorkerID: testWorker,
		Now:      func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	})

	for i := range h.jobs {
		outcome, err := p.Process(context.Background(), h.jobs[i])
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeSuccess, outcome)
	}

	cases := h.store.Cases()
	require.Len(t, cases, 1)
	assert.Equal(t, "2023-06-01", cases[0].Record.ContractDate)
}

func TestProcessor_NoRegistry(t *testing.T) {
	h := setup(t, domain.DefaultImportOptions(), validRow())

	outcome, err := h.processor(nil).Process(context.Background(), h.jobs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)
	assert.Equal(t, []string{domain.StepExternalSync}, warningSteps(h.job(t, 0).Result.Warnings))
}
