package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJobs(n int) []domain.ImportJob {
	jobs := make([]domain.ImportJob, n)
	for i := range jobs {
		jobs[i] = domain.ImportJob{ID: string(rune('a' + i)), RowIndex: i}
	}
	return jobs
}

func TestRunPool_HandlesEveryJobOnce(t *testing.T) {
	jobs := makeJobs(20)
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)

	errs := RunPool(context.Background(), jobs, 4, func(_ context.Context, job domain.ImportJob) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	}, slog.New(slog.DiscardHandler))

	require.Len(t, errs, len(jobs))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.Len(t, seen, len(jobs))
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s", id)
	}
}

func TestRunPool_RespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32

	RunPool(context.Background(), makeJobs(12), 3, func(context.Context, domain.ImportJob) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, slog.New(slog.DiscardHandler))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRunPool_RecoversPanics(t *testing.T) {
	jobs := makeJobs(3)
	boom := errors.New("boom")

	errs := RunPool(context.Background(), jobs, 2, func(_ context.Context, job domain.ImportJob) error {
		switch job.RowIndex {
		case 0:
			panic("nil map write")
		case 1:
			return boom
		}
		return nil
	}, slog.New(slog.DiscardHandler))

	assert.ErrorIs(t, errs[0], domain.ErrWorkerCrash)
	assert.ErrorContains(t, errs[0], "nil map write")
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}

func TestRunPool_Empty(t *testing.T) {
	errs := RunPool(context.Background(), nil, 3, func(context.Context, domain.ImportJob) error {
		t.Fatal("handler must not run")
		return nil
	}, slog.New(slog.DiscardHandler))
	assert.Empty(t, errs)
}
