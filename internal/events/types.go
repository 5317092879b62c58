package events

import (
	"time"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	JobID() string
}

// Topic constants
const (
	TopicJob  = "job"
	TopicTask = "task"
)

// Event type constants
const (
	EventTypeJobSubmitted = "job.submitted"
	EventTypeJobStatus    = "job.status"
	EventTypeJobDeleted   = "job.deleted"
	EventTypeTaskStarted  = "task.started"
	EventTypeTaskProgress = "task.progress"
	EventTypeTaskFinished = "task.finished"
)

// JobSubmittedEvent is published once a job is registered.
type JobSubmittedEvent struct {
	Job       string
	Name      string
	Username  string
	Tasks     int
	Timestamp time.Time
}

func (e JobSubmittedEvent) EventType() string { return EventTypeJobSubmitted }
func (e JobSubmittedEvent) JobID() string     { return e.Job }

// JobStatusEvent is published when a job's aggregate status changes.
type JobStatusEvent struct {
	Job       string
	Status    string
	Timestamp time.Time
}

func (e JobStatusEvent) EventType() string { return EventTypeJobStatus }
func (e JobStatusEvent) JobID() string     { return e.Job }

// JobDeletedEvent is published after a job and its directory are gone.
type JobDeletedEvent struct {
	Job       string
	Forced    bool // Some task needed a forced abort
	Timestamp time.Time
}

func (e JobDeletedEvent) EventType() string { return EventTypeJobDeleted }
func (e JobDeletedEvent) JobID() string     { return e.Job }

// TaskStartedEvent is published when a task moves to Running.
type TaskStartedEvent struct {
	Job       string
	Task      string
	Kind      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) JobID() string     { return e.Job }

// TaskProgressEvent is published when a running task reports progress.
type TaskProgressEvent struct {
	Job       string
	Task      string
	Progress  float64
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) JobID() string     { return e.Job }

// TaskFinishedEvent is published when a task reaches a terminal status.
type TaskFinishedEvent struct {
	Job       string
	Task      string
	Status    string
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) JobID() string     { return e.Job }
