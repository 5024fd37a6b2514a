package risk

import (
	"errors"
	"fmt"
)

var ErrNoRefractiveData = errors.New("no usable refractive data")

// InputValidationError reports a prescription that cannot be assessed at all.
// It is distinct from an assessment that found no risk.
type InputValidationError struct {
	Reason string
	Err    error
}

func (e *InputValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot assess prescription: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot assess prescription: %s", e.Reason)
}

func (e *InputValidationError) Unwrap() error { return e.Err }
