package alert

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("alert not found")
	ErrInvalidTransition   = errors.New("invalid alert status transition")
	ErrBelowReportingFloor = errors.New("assessment is below the reporting floor")
	ErrMissingOrigin       = errors.New("order_id or prescription snapshot is required")
)

// InvalidTransitionError reports a rejected status change. The alert is unchanged.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move alert from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
