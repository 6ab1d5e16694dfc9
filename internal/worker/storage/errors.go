package storage

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// classifyWriteError maps driver errors from case writes onto domain errors.
// Unique violations become ErrDuplicate; other integrity (class 23) and data
// (class 22) errors are permanent; everything else is retryable.
func classifyWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%w: %s: %s", domain.ErrDuplicate, op, pqErr.Message)
		case pqErr.Code.Class() == "23", pqErr.Code.Class() == "22":
			return domain.NewPermanentError(fmt.Errorf("%w: %s: %s (%s)", domain.ErrPersistence, op, pqErr.Message, pqErr.Code))
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
