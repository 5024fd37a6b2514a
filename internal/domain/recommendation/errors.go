package recommendation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                  = errors.New("recommendation not found")
	ErrInvalidTransition         = errors.New("invalid recommendation status transition")
	ErrMeasuredOutcomeRequired   = errors.New("measured status requires a measured outcome")
	ErrUnexpectedMeasuredOutcome = errors.New("measured outcome is only accepted with measured status")
	ErrDeduplicationConflict     = errors.New("conflicting recommendation write")

	// Returned by repositories; the service converts both into a
	// DeduplicationConflictError.
	ErrVersionConflict = errors.New("recommendation version changed")
	ErrDuplicateActive = errors.New("active recommendation already exists for subject")
)

// InvalidTransitionError reports an illegal status change. Nothing was written.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move recommendation from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DeduplicationConflictError means another writer touched the same
// (tenant, type, subject) concurrently. The caller should retry serially.
type DeduplicationConflictError struct {
	Type       Type
	SubjectKey string
	Err        error
}

func (e *DeduplicationConflictError) Error() string {
	return fmt.Sprintf("deduplication conflict on %s/%s: %v", e.Type, e.SubjectKey, e.Err)
}

func (e *DeduplicationConflictError) Is(target error) bool {
	return target == ErrDeduplicationConflict
}

func (e *DeduplicationConflictError) Unwrap() error { return e.Err }
