package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound indicates that no job is registered under the requested ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists indicates that a job with the same ID is already registered.
	ErrJobExists = errors.New("job already exists")
	// ErrSchedulerClosed is returned by Add after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
	// ErrAbortRequested is the cancellation cause handed to tasks that are aborted.
	// It is not a failure: a task that observes it ends Aborted, not Error.
	ErrAbortRequested = errors.New("abort requested")
)

// ValidationError reports a malformed submission. A job that fails validation
// never enters the registry.
type ValidationError struct {
	JobID    string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.JobID == "" {
		return "invalid job: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("invalid job %s: %s", e.JobID, strings.Join(e.Problems, "; "))
}

// NewValidationError builds a ValidationError from formatted problems.
func NewValidationError(jobID string, problems ...string) *ValidationError {
	return &ValidationError{JobID: jobID, Problems: problems}
}

// TaskExecutionError wraps a runtime failure of a task's work.
type TaskExecutionError struct {
	JobID  string
	TaskID string
	Kind   string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) in job %s failed: %v", e.TaskID, e.Kind, e.JobID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError reports an attempted illegal status transition.
// It signals a programming defect, not a user error.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}
