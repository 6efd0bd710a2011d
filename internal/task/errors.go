package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no task exists with the given id.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyTerminal means the task is in a final state and the
	// requested mutation no longer applies.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrNotRetryable means Retry was called on a task that is not
	// Failed or Stopped.
	ErrNotRetryable = errors.New("task is not failed or stopped")
)

// InvalidTransitionError reports an attempted illegal status edge.
// Illegal edges are rejected and logged, never silently applied.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s (task %s)", e.From, e.To, e.ID)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// ValidationError rejects a malformed submission synchronously;
// nothing is enqueued or persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
