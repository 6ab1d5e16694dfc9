package storage_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/cuongbtq/case-import/internal/worker/storage"
	"github.com/cuongbtq/case-import/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var discard = slog.New(slog.DiscardHandler)

// setupTestDB starts Postgres, applies the migrations and returns a connection
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("caseimport_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, postgresql.RunMigrations(connStr, discard))

	db, err := sqlx.Connect("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func enqueueRows(t *testing.T, s *storage.Storage, tenantID string, n int) string {
	t.Helper()
	rows := make([]domain.CaseRow, n)
	for i := range rows {
		rows[i] = domain.CaseRow{
			CourtCaseNumber: "2024가단" + uuid.NewString()[:6],
			CourtName:       "서울중앙지방법원",
			ClientName:      "홍길동",
		}
	}
	batchID, inserted, err := s.EnqueueBatch(context.Background(), domain.BatchRequest{
		TenantID:    tenantID,
		RequestedBy: uuid.NewString(),
		Options:     domain.DefaultImportOptions(),
		Rows:        rows,
	})
	require.NoError(t, err)
	require.Equal(t, n, inserted)
	return batchID
}

func TestStorage_EnqueueAndDequeueExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()

	batchID := enqueueRows(t, s, uuid.NewString(), 230)

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				jobs, err := s.Dequeue(ctx, 10, worker)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					assert.False(t, seen[j.ID], "job %s claimed twice", j.ID)
					seen[j.ID] = true
					assert.Equal(t, worker, j.ClaimedBy)
				}
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()
	assert.Len(t, seen, 230)

	summary, err := s.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 230, summary.Total)
	assert.True(t, summary.Options.CreateNewClients)
}

func TestStorage_RetryAndTerminalFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	enqueueRows(t, s, uuid.NewString(), 1)

	jobs, err := s.Dequeue(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID

	require.NoError(t, s.MarkRunning(ctx, id, "w1"))
	retry, err := s.MarkFailed(ctx, id, "w1", "timeout", 0, 1, 0)
	require.NoError(t, err)
	assert.True(t, retry)

	jobs, err = s.Dequeue(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)

	retry, err = s.MarkFailed(ctx, id, "w1", "timeout again", jobs[0].Attempts, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, retry)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "timeout again", job.LastError)
	assert.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.ClaimedBy)
}

func TestStorage_CancelAndNotifyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	tenant := uuid.NewString()
	batchID := enqueueRows(t, s, tenant, 3)

	jobs, err := s.Dequeue(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := s.Cancel(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.ErrorIs(t, s.MarkRunning(ctx, jobs[0].ID, "w1"), domain.ErrJobCancelled)
	require.NoError(t, s.ReleaseCancelled(ctx, jobs[0].ID, "w1"))

	summary, err := s.RecountBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Skipped)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimNotification(ctx, batchID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	claimed, err := s.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.NoError(t, s.SaveNotification(ctx, domain.NewBatchNotification(*claimed)))

	batches, err := s.ListTenantBatches(ctx, tenant, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.NotNil(t, batches[0].NotifiedAt)
}

func TestStorage_CancelledHolderStillCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	batchID := enqueueRows(t, s, uuid.NewString(), 3)

	jobs, err := s.Dequeue(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, s.MarkRunning(ctx, jobs[0].ID, "w1"))

	_, err = s.Cancel(ctx, batchID)
	require.NoError(t, err)

	summary, err := s.RecountBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusProcessing, summary.Status)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)

	require.NoError(t, s.MarkSuccess(ctx, jobs[0].ID, "w1", domain.JobResult{}))

	summary, err = s.RecountBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 2, summary.Skipped)
}

func TestStorage_ReclaimStale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	batchID := enqueueRows(t, s, uuid.NewString(), 2)

	jobs, err := s.Dequeue(ctx, 2, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NotNil(t, jobs[0].HeartbeatAt)

	batches, err := s.ReclaimStale(ctx, time.Hour, 3)
	require.NoError(t, err)
	assert.Empty(t, batches)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, jobs[0].ID, "w1"))
	assert.ErrorIs(t, s.Heartbeat(ctx, jobs[0].ID, "w2"), domain.ErrClaimLost)

	batches, err = s.ReclaimStale(ctx, 150*time.Millisecond, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{batchID}, batches)

	kept, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", kept.ClaimedBy)

	reclaimed, err := s.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.Attempts)
	assert.Empty(t, reclaimed.ClaimedBy)
	assert.Equal(t, domain.ReasonClaimExpired, reclaimed.LastError)
	assert.ErrorIs(t, s.MarkSuccess(ctx, jobs[1].ID, "w1", domain.JobResult{}), domain.ErrClaimLost)

	require.NoError(t, s.Requeue(ctx, jobs[0].ID, "w1", domain.ReasonInterrupted))
	requeued, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Zero(t, requeued.Attempts)
}

func TestStorage_CaseWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	tenant := uuid.NewString()

	client, err := s.CreateClient(ctx, domain.NewClient{TenantID: tenant, Name: "홍길동", Phone: "010-1234-5678"})
	require.NoError(t, err)

	found, err := s.FindClientByName(ctx, tenant, "홍길동")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, client.ID, found.ID)

	rec := domain.CaseRecord{
		TenantID:          tenant,
		CaseName:          "홍길동 민사",
		CaseType:          "민사",
		CourtCaseNumber:   "2024가단12345",
		CourtName:         "서울중앙지방법원",
		PrimaryClientID:   client.ID,
		PrimaryClientName: client.Name,
		Status:            "진행중",
		ContractDate:      "2024-01-15",
	}
	ref, err := s.InsertCase(ctx, rec)
	require.NoError(t, err)

	_, err = s.InsertCase(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	rec.CaseName = "홍길동 손해배상"
	up, err := s.UpsertCase(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, up.ID)
	assert.Equal(t, "홍길동 손해배상", up.CaseName)

	parties, err := s.UpsertParties(ctx, tenant, ref.ID, []domain.PartySeed{
		{Name: "홍길동", Type: domain.RolePlaintiff, Label: "원고", Order: 1, ClientID: client.ID},
		{Name: "김철수", Type: domain.RoleDefendant, Label: "피고", Order: 2},
	})
	require.NoError(t, err)
	require.Len(t, parties, 2)

	require.NoError(t, s.LinkCaseClient(ctx, domain.CaseClientLink{
		TenantID: tenant, CaseID: ref.ID, ClientID: client.ID, LinkedPartyID: parties[0].ID, IsPrimary: true,
	}))

	snapID, err := s.SaveSnapshot(ctx, domain.Snapshot{
		TenantID:   tenant,
		CaseID:     ref.ID,
		CaseNumber: rec.CourtCaseNumber,
		CourtName:  rec.CourtName,
		Info: &domain.CaseInfo{
			Handle:   "h-1",
			Hearings: []domain.Hearing{{Date: "2024-05-01", Time: "10:00", Type: "변론기일"}},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, snapID)

	require.NoError(t, s.SyncHearings(ctx, ref.ID, rec.CourtCaseNumber, []domain.Hearing{
		{Date: "2024-05-01", Time: "10:00", Type: "변론기일", Result: "속행"},
		{Date: ""},
	}))
	require.NoError(t, s.SyncParties(ctx, tenant, ref.ID,
		[]domain.RegistryParty{{Name: "김철수", Kind: "피고"}, {Name: "이영희", Kind: "보조참가인"}},
		[]domain.RegistryRepresentative{{Kind: "원고 소송대리인", Name: "박변호", Firm: "법무법인 가"}},
	))
	require.NoError(t, s.LinkRelatedCases(ctx, tenant, ref.ID, []domain.LinkedCase{
		{CaseNumber: "2023가단999", CourtName: "서울중앙지방법원", LowerCourt: true},
	}))

	var hearingCount, partyCount int
	require.NoError(t, db.Get(&hearingCount, `SELECT COUNT(*) FROM court_hearings WHERE case_id = $1`, ref.ID))
	require.NoError(t, db.Get(&partyCount, `SELECT COUNT(*) FROM case_parties WHERE case_id = $1`, ref.ID))
	assert.Equal(t, 1, hearingCount)
	assert.Equal(t, 3, partyCount)
}

func TestSettings_DBProvider(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := storage.NewStorage(db, discard)
	ctx := context.Background()
	p := settings.NewDBProvider(db, settings.Defaults(), discard)

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.Defaults(), got)

	require.NoError(t, s.SaveSettings(ctx, []byte(`{"workerBatchSize": 25, "rateLimitPerMinute": 12}`)))
	got, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, got.WorkerBatchSize)
	assert.Equal(t, 12, got.RateLimitPerMinute)
	assert.Equal(t, settings.Defaults().WorkerConcurrency, got.WorkerConcurrency)
}
