package scheduler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusChange records a change of a job's aggregate status.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// JobInfo is a point-in-time copy of a job and its tasks.
type JobInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Username      string            `json:"username,omitempty"`
	Group         string            `json:"group,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Form          json.RawMessage   `json:"form,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        Status            `json:"status"`
	Progress      float64           `json:"progress"`
	StatusHistory []StatusChange    `json:"status_history,omitempty"`
	Tasks         []TaskInfo        `json:"tasks"`
}

// Job is a named, owned collection of tasks with its own working directory.
// Tasks are kept in insertion order, which is also the dispatch tie-break.
type Job struct {
	ID        string
	Name      string
	Username  string
	Group     string
	CreatedAt time.Time
	Metadata  map[string]string // Extra attributes carried with the job
	Form      json.RawMessage   // The submission the job was built from, kept for cloning

	mu        sync.RWMutex
	dir       string
	tasks     []*Task
	index     map[string]*Task
	history   []StatusChange
	submitted bool
}

// NewJobID returns an identifier of the form 20060102-150405-abcd.
func NewJobID(now time.Time) string {
	return now.Format("20060102-150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

// NewJob creates an empty job with a fresh ID.
func NewJob(name, username string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        NewJobID(now),
		Name:      name,
		Username:  username,
		CreatedAt: now,
		index:     make(map[string]*Task),
	}
}

// AddTask appends a task. Tasks cannot be added once the job is submitted.
func (j *Job) AddTask(t *Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.submitted {
		return fmt.Errorf("job %s already submitted", j.ID)
	}
	if _, exists := j.index[t.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", t.ID)
	}
	j.tasks = append(j.tasks, t)
	j.index[t.ID] = t
	return nil
}

// Tasks returns the tasks in insertion order.
func (j *Job) Tasks() []*Task {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]*Task(nil), j.tasks...)
}

// Task returns the task with the given ID.
func (j *Job) Task(id string) (*Task, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	t, ok := j.index[id]
	return t, ok
}

// Dir returns the job's working directory, empty until submitted.
func (j *Job) Dir() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.dir
}

// Status derives the job status from its tasks.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.statusLocked()
}

func (j *Job) statusLocked() Status {
	statuses := make([]Status, len(j.tasks))
	for i, t := range j.tasks {
		statuses[i] = t.Status()
	}
	return Aggregate(statuses)
}

// Progress is the mean progress across tasks.
func (j *Job) Progress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range j.tasks {
		sum += t.Progress()
	}
	return sum / float64(len(j.tasks))
}

// Snapshot returns a deep copy of the job.
func (j *Job) Snapshot() *JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := &JobInfo{
		ID:            j.ID,
		Name:          j.Name,
		Username:      j.Username,
		Group:         j.Group,
		Dir:           j.dir,
		Metadata:      cloneStrings(j.Metadata),
		Form:          append(json.RawMessage(nil), j.Form...),
		CreatedAt:     j.CreatedAt,
		StatusHistory: append([]StatusChange(nil), j.history...),
		Tasks:         make([]TaskInfo, len(j.tasks)),
	}

	statuses := make([]Status, len(j.tasks))
	var sum float64
	for i, t := range j.tasks {
		ti := t.Snapshot()
		info.Tasks[i] = ti
		statuses[i] = ti.Status
		sum += ti.Progress
	}
	info.Status = Aggregate(statuses)
	if len(j.tasks) > 0 {
		info.Progress = sum / float64(len(j.tasks))
	}
	return info
}

// validate checks that the job can be submitted.
func (j *Job) validate() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var problems []string
	if j.ID == "" {
		problems = append(problems, "job has no ID")
	} else if !validJobID(j.ID) {
		problems = append(problems, fmt.Sprintf("job ID %q must be a plain directory name", j.ID))
	}
	if j.submitted {
		problems = append(problems, "job was already submitted")
	}
	if len(j.tasks) == 0 {
		problems = append(problems, "job has no tasks")
	}
	for _, t := range j.tasks {
		if t.Work == nil {
			problems = append(problems, fmt.Sprintf("task %q has no work", t.ID))
		}
		if st := t.Status(); st != StatusInitialized {
			problems = append(problems, fmt.Sprintf("task %q is %s, want %s", t.ID, st, StatusInitialized))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{JobID: j.ID, Problems: problems}
	}

	if _, err := Resolve(j.tasks); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ve.JobID = j.ID
		}
		return err
	}
	return nil
}

// validJobID reports whether id can name a directory directly under the
// jobs root.
func validJobID(id string) bool {
	if strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.Base(id) == id
}

// submit attaches the working directory and moves every task to Waiting.
func (j *Job) submit(dir string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.dir = dir
	j.submitted = true
	for _, t := range j.tasks {
		if err := t.submit(j.ID); err != nil {
			return err
		}
	}
	return nil
}

// readyTasks returns Waiting tasks whose dependencies are all Done, in
// insertion order.
func (j *Job) readyTasks() []*Task {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var ready []*Task
	for _, t := range j.tasks {
		if t.Status() != StatusWaiting {
			continue
		}
		ok := true
		for _, depID := range t.DependsOn {
			if dep := j.index[depID]; dep == nil || dep.Status() != StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// upstreamOutputs collects the outputs of t's dependencies.
func (j *Job) upstreamOutputs(t *Task) map[string]map[string]string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make(map[string]map[string]string, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		if dep := j.index[depID]; dep != nil {
			out[depID] = dep.Outputs()
		}
	}
	return out
}

// recordStatus appends to the status history if the aggregate changed and
// returns the latest entry.
func (j *Job) recordStatus() (StatusChange, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordLocked()
}

func (j *Job) recordLocked() (StatusChange, bool) {
	st := j.statusLocked()
	if n := len(j.history); n > 0 && j.history[n-1].Status == st {
		return j.history[n-1], false
	}
	change := StatusChange{Status: st, At: time.Now().UTC()}
	j.history = append(j.history, change)
	return change, true
}

// restoreJob rebuilds a job from a persisted snapshot.
func restoreJob(info *JobInfo) *Job {
	j := &Job{
		ID:        info.ID,
		Name:      info.Name,
		Username:  info.Username,
		Group:     info.Group,
		CreatedAt: info.CreatedAt,
		Metadata:  cloneStrings(info.Metadata),
		Form:      append(json.RawMessage(nil), info.Form...),
		dir:       info.Dir,
		index:     make(map[string]*Task, len(info.Tasks)),
		history:   append([]StatusChange(nil), info.StatusHistory...),
		submitted: true,
	}
	for _, ti := range info.Tasks {
		t := restoreTask(j.ID, ti)
		j.tasks = append(j.tasks, t)
		j.index[t.ID] = t
	}
	j.recordLocked()
	return j
}
