package audit

import "errors"

var (
	// ErrNotFound is returned when a job, group, target or definition does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTargetInactive is returned when auditing a disabled target.
	ErrTargetInactive = errors.New("target is not active")
	// ErrNotCancellable is returned when cancelling a job that already finished.
	ErrNotCancellable = errors.New("not cancellable")
	// ErrNoAssignments is returned by StartGroup for a target with no enabled assignment.
	ErrNoAssignments = errors.New("target has no enabled assignments")
	// ErrJobNotRunning is returned by CompleteJob when the job left RUNNING,
	// usually because it was cancelled. No results are written.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrInvalidTransition is returned by TransitionJob when the job is not
	// in any of the expected source states.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ValidationError reports a request rejected before any job was created.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}
