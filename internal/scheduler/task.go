package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Work is the opaque computation a task performs. Implementations must poll
// ctx at bounded intervals and return promptly once it is cancelled.
type Work interface {
	Run(ctx context.Context, exec *Execution) error
}

// WorkFunc adapts an ordinary function to Work.
type WorkFunc func(ctx context.Context, exec *Execution) error

// Run calls f(ctx, exec).
func (f WorkFunc) Run(ctx context.Context, exec *Execution) error {
	return f(ctx, exec)
}

// Killer is implemented by work that holds OS resources (processes, handles)
// which must be reclaimed when cooperative abort does not finish in time.
type Killer interface {
	Kill() error
}

// Execution is the per-run context handed to Work: where to write, what the
// upstream tasks produced, and how to report progress and outputs.
type Execution struct {
	JobID  string
	TaskID string
	JobDir string
	Params map[string]string

	upstream   map[string]map[string]string
	task       *Task
	onProgress func(float64)
}

// NewExecution builds an Execution for running t outside a scheduler.
func NewExecution(jobID, jobDir string, t *Task, upstream map[string]map[string]string) *Execution {
	return &Execution{
		JobID:    jobID,
		TaskID:   t.ID,
		JobDir:   jobDir,
		Params:   cloneStrings(t.Params),
		upstream: upstream,
		task:     t,
	}
}

// SetProgress records the fraction of work completed.
func (e *Execution) SetProgress(p float64) {
	if e.task.setProgress(p) && e.onProgress != nil {
		e.onProgress(e.task.Progress())
	}
}

// SetOutput publishes an artifact consumable by dependent tasks.
func (e *Execution) SetOutput(key, value string) {
	e.task.setOutput(key, value)
}

// Upstream returns the outputs of a completed dependency.
func (e *Execution) Upstream(taskID string) map[string]string {
	return cloneStrings(e.upstream[taskID])
}

// TaskInfo is a point-in-time copy of a task's state.
type TaskInfo struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	WritesFiles []string          `json:"writes_files,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Status      Status            `json:"status"`
	Progress    float64           `json:"progress"`
	Error       string            `json:"error,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Task is one unit of work within a job.
type Task struct {
	ID          string            // Unique within the owning job
	Kind        string            // Work tag, e.g. "analyze-db"
	Name        string            // Human-readable label
	DependsOn   []string          // Task IDs that must be Done first
	WritesFiles []string          // Artifacts (relative to the job dir) locked while running
	Params      map[string]string // Parameters the work was built from
	Work        Work

	mu             sync.Mutex
	jobID          string
	status         Status
	progress       float64
	err            error
	outputs        map[string]string
	startedAt      time.Time
	finishedAt     time.Time
	ctx            context.Context
	cancel         context.CancelCauseFunc
	abortRequested bool
	done           chan struct{}
}

// NewTask creates a task in the Initialized state.
func NewTask(id, kind string, work Work, dependsOn ...string) *Task {
	return &Task{
		ID:        id,
		Kind:      kind,
		DependsOn: dependsOn,
		Work:      work,
		status:    StatusInitialized,
		outputs:   make(map[string]string),
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the completed fraction in [0, 1].
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err returns the failure recorded on the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Outputs returns a copy of the artifacts the task has published.
func (t *Task) Outputs() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.outputs)
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// run executes the task's work to completion outside the worker pool. It
// returns nil when the task ends Done, ErrAbortRequested when it ends Aborted
// and a *TaskExecutionError when it ends Error. The task must be Waiting.
func (t *Task) run(ctx context.Context, exec *Execution) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	return t.execute(exec)
}

// Abort requests cooperative cancellation. Tasks that have not started move
// to Aborted immediately; running tasks are cancelled and reach Aborted when
// their work returns. Calling Abort on a terminal task does nothing.
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() || t.abortRequested {
		return
	}
	t.abortRequested = true

	if t.status == StatusRunning {
		if t.cancel != nil {
			t.cancel(ErrAbortRequested)
		}
		return
	}
	t.finishLocked(StatusAborted, nil)
}

// Snapshot returns a copy of the task's state safe to read concurrently.
func (t *Task) Snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TaskInfo{
		ID:          t.ID,
		Kind:        t.Kind,
		Name:        t.Name,
		DependsOn:   append([]string(nil), t.DependsOn...),
		WritesFiles: append([]string(nil), t.WritesFiles...),
		Params:      cloneStrings(t.Params),
		Status:      t.status,
		Progress:    t.progress,
		Outputs:     cloneStrings(t.outputs),
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	if !t.startedAt.IsZero() {
		ts := t.startedAt
		info.StartedAt = &ts
	}
	if !t.finishedAt.IsZero() {
		ts := t.finishedAt
		info.FinishedAt = &ts
	}
	return info
}

// submit moves the task from Initialized to Waiting.
func (t *Task) submit(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.status.Transition(t.ID, StatusWaiting); err != nil {
		return err
	}
	t.jobID = jobID
	t.status = StatusWaiting
	return nil
}

// begin moves the task to Running and arms its cancellation.
func (t *Task) begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.status.Transition(t.ID, StatusRunning); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	t.ctx = runCtx
	t.cancel = cancel
	t.status = StatusRunning
	t.startedAt = time.Now().UTC()
	return nil
}

// execute runs the work and records the terminal status.
func (t *Task) execute(exec *Execution) (err error) {
	t.mu.Lock()
	ctx, cancel := t.ctx, t.cancel
	t.mu.Unlock()
	defer cancel(nil)

	if t.Work == nil {
		return t.finish(fmt.Errorf("no work attached to task %q", t.ID))
	}

	defer func() {
		if r := recover(); r != nil {
			err = t.finish(fmt.Errorf("panic: %v", r))
		}
	}()

	return t.finish(t.Work.Run(ctx, exec))
}

// finish maps the work result to a terminal status.
func (t *Task) finish(workErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		// Forced abort already settled the task.
		if t.status == StatusAborted {
			return ErrAbortRequested
		}
		return t.err
	}

	if t.abortRequested {
		t.finishLocked(StatusAborted, nil)
		return ErrAbortRequested
	}
	if workErr != nil {
		execErr := &TaskExecutionError{JobID: t.jobID, TaskID: t.ID, Kind: t.Kind, Err: workErr}
		if errors.Is(workErr, context.Canceled) && t.ctx != nil && context.Cause(t.ctx) != nil {
			execErr.Err = fmt.Errorf("%w (cause: %v)", workErr, context.Cause(t.ctx))
		}
		t.finishLocked(StatusError, execErr)
		return execErr
	}

	t.progress = 1
	t.finishLocked(StatusDone, nil)
	return nil
}

// forceAbort settles a task that did not honour cooperative abort in time and
// reclaims the resources its work holds.
func (t *Task) forceAbort() error {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}
	t.abortRequested = true
	if t.cancel != nil {
		t.cancel(ErrAbortRequested)
	}
	t.finishLocked(StatusAborted, nil)
	work := t.Work
	t.mu.Unlock()

	if k, ok := work.(Killer); ok {
		return k.Kill()
	}
	return nil
}

// finishLocked records a terminal status. Caller holds t.mu.
func (t *Task) finishLocked(status Status, err error) {
	t.status = status
	t.err = err
	t.finishedAt = time.Now().UTC()
	close(t.done)
}

// setProgress stores p if the task is running and p does not go backwards.
func (t *Task) setProgress(p float64) bool {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning || p <= t.progress {
		return false
	}
	t.progress = p
	return true
}

func (t *Task) setOutput(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputs[key] = value
}

// restoreTask rebuilds a task from persisted state. Tasks that were not
// terminal when the process stopped are marked Aborted.
func restoreTask(jobID string, info TaskInfo) *Task {
	t := NewTask(info.ID, info.Kind, nil, info.DependsOn...)
	t.Name = info.Name
	t.WritesFiles = info.WritesFiles
	t.Params = info.Params
	t.jobID = jobID
	t.progress = info.Progress
	if info.Outputs != nil {
		t.outputs = cloneStrings(info.Outputs)
	}
	if info.StartedAt != nil {
		t.startedAt = *info.StartedAt
	}
	if info.Error != "" {
		t.err = errors.New(info.Error)
	}

	status := info.Status
	if !status.IsTerminal() {
		status = StatusAborted
		t.finishedAt = time.Now().UTC()
	} else if info.FinishedAt != nil {
		t.finishedAt = *info.FinishedAt
	}
	t.status = status
	close(t.done)
	return t
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
