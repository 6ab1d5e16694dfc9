package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch summary cannot be found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrClaimLost is returned when a worker touches a job it no longer holds
	ErrClaimLost = errors.New("job claim not held by worker")

	// ErrJobCancelled is returned when the job's batch was cancelled while the job was claimed
	ErrJobCancelled = errors.New("job cancelled")

	// ErrValidation marks missing or malformed required input
	ErrValidation = errors.New("validation error")

	// ErrDuplicate marks a case that already exists for the tenant
	ErrDuplicate = errors.New("duplicate case")

	// ErrExternalSync marks a failed or empty court-registry lookup
	ErrExternalSync = errors.New("external sync error")

	// ErrCaseNotFound is returned by the registry when no case matches the query
	ErrCaseNotFound = errors.New("case not found in registry")

	// ErrPersistence marks a failed core write
	ErrPersistence = errors.New("persistence error")

	// ErrWorkerCrash marks a panic recovered at the pool boundary
	ErrWorkerCrash = errors.New("worker crash")

	// ErrEmptyBatch is returned when enqueueing a batch with no rows
	ErrEmptyBatch = errors.New("no jobs to enqueue")
)

// PermanentError wraps failures that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError marks err as non-retryable
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// TruncateReason trims a failure reason to MaxReasonLength bytes
func TruncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= MaxReasonLength {
		return reason
	}
	cut := MaxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
