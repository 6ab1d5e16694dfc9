package pipeline

import (
	"fmt"
	"sync"

	"github.com/cuongbtq/case-import/internal/worker/domain"
)

// warnings collects non-fatal problems of one job. Sub-steps that run in
// parallel append to the same list.
type warnings struct {
	mu   sync.Mutex
	list []domain.Warning
}

func (w *warnings) add(step, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.list = append(w.list, domain.Warning{Step: step, Message: fmt.Sprintf(format, args...)})
}

func (w *warnings) items() []domain.Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Warning{}, w.list...)
}
