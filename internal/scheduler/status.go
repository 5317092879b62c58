package scheduler

// Status is the lifecycle state shared by tasks and jobs.
type Status string

const (
	StatusInitialized Status = "Initialized" // Created, not yet submitted
	StatusWaiting     Status = "Waiting"     // Submitted, waiting for dependencies or a worker slot
	StatusRunning     Status = "Running"     // Currently executing
	StatusDone        Status = "Done"        // Finished successfully
	StatusError       Status = "Error"       // Finished with a failure
	StatusAborted     Status = "Aborted"     // Cancelled before finishing
)

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusAborted:
		return true
	}
	return false
}

// validTransitions lists the forward transitions of the lifecycle.
// Forced aborts are handled separately in CanTransitionTo.
var validTransitions = map[Status][]Status{
	StatusInitialized: {StatusWaiting},
	StatusWaiting:     {StatusRunning},
	StatusRunning:     {StatusDone, StatusError, StatusAborted},
}

// CanTransitionTo reports whether moving from s to next is legal.
// Any non-terminal status may be forced to Aborted.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusAborted {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns an *InvalidTransitionError when moving from s to next is illegal.
func (s Status) Transition(taskID string, next Status) error {
	if !s.CanTransitionTo(next) {
		return &InvalidTransitionError{TaskID: taskID, From: s, To: next}
	}
	return nil
}

// Aggregate derives a job status from the statuses of its tasks.
//
// Error wins over everything, then Aborted; Done requires every task Done;
// any Running task makes the job Running. A job with no submitted tasks is
// Initialized, every other combination is Waiting.
func Aggregate(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusInitialized
	}

	var done, running, aborted, initialized int
	for _, st := range statuses {
		switch st {
		case StatusError:
			return StatusError
		case StatusAborted:
			aborted++
		case StatusDone:
			done++
		case StatusRunning:
			running++
		case StatusInitialized:
			initialized++
		}
	}

	switch {
	case aborted > 0:
		return StatusAborted
	case done == len(statuses):
		return StatusDone
	case running > 0:
		return StatusRunning
	case initialized == len(statuses):
		return StatusInitialized
	}
	return StatusWaiting
}
