package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cuongbtq/case-import/internal/worker/domain"
)

// Handler processes one claimed job
type Handler func(ctx context.Context, job domain.ImportJob) error

// RunPool runs handle over jobs with at most concurrency handlers in flight.
// Every job is handed to exactly one handler. The returned slice holds the
// error of each job by index; a panic becomes an error wrapping ErrWorkerCrash.
func RunPool(ctx context.Context, jobs []domain.ImportJob, concurrency int, handle Handler, logger *slog.Logger) []error {
	errs := make([]error, len(jobs))
	if len(jobs) == 0 {
		return errs
	}
	concurrency = min(max(concurrency, 1), len(jobs))

	logger.Debug("Spawning worker pool",
		slog.Int("concurrency", concurrency),
		slog.Int("jobs", len(jobs)),
	)

	indexes := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			for idx := range indexes {
				errs[idx] = runSafe(ctx, jobs[idx], handle, logger.With(slog.Int("worker_num", workerNum)))
			}
		}(i + 1)
	}

	// jobs are already claimed, so every one is dispatched even after ctx is done;
	// handlers observe ctx themselves
	for idx := range jobs {
		indexes <- idx
	}
	close(indexes)
	wg.Wait()

	return errs
}

func runSafe(ctx context.Context, job domain.ImportJob, handle Handler, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while processing job",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %v", domain.ErrWorkerCrash, r)
		}
	}()
	return handle(ctx, job)
}
