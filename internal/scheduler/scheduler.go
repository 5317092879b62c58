package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/jobsched/internal/events"
	"github.com/aristath/jobsched/internal/logging"
)

// DirManager creates and removes per-job working directories.
type DirManager interface {
	// Create makes the directory for jobID and fails if it already exists.
	Create(jobID string) (string, error)
	// Remove deletes a job directory and everything under it.
	Remove(ctx context.Context, dir string) error
}

// JobStore persists job snapshots so they survive restarts.
type JobStore interface {
	SaveJob(ctx context.Context, job *JobInfo) error
	UpdateTask(ctx context.Context, jobID string, task *TaskInfo) error
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) ([]*JobInfo, error)
}

// StatusRecorder is implemented by stores that keep a job's status history.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, jobID string, change StatusChange) error
}

// Config controls scheduler concurrency and teardown.
type Config struct {
	Workers    int           // Maximum tasks running at once across all jobs
	AbortGrace time.Duration // How long Delete waits for cooperative abort
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{Workers: 4, AbortGrace: 10 * time.Second}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithStore persists jobs to store.
func WithStore(store JobStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

type entry struct {
	job      *Job
	deleting chan struct{} // non-nil once Delete started, closed when it finished
}

// Scheduler owns the registry of submitted jobs and dispatches their tasks
// to a bounded pool of workers.
//
// Lock order is s.mu, then Job.mu, then Task.mu. Task work never runs with
// any of them held.
type Scheduler struct {
	cfg    Config
	dirs   DirManager
	store  JobStore
	bus    *events.EventBus
	locks  *ArtifactLocks
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*entry
	order    []string // submission order
	running  int
	inFlight map[*Task]struct{} // tasks whose worker has not returned
	stuck    map[*Task]struct{} // force-aborted tasks still holding a worker
	closed   bool

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	loopDone chan struct{}
}

// New creates a scheduler and starts its dispatch loop.
func New(cfg Config, dirs DirManager, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = def.AbortGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		dirs:     dirs,
		locks:    NewArtifactLocks(),
		logger:   logging.Discard(),
		jobs:     make(map[string]*entry),
		inFlight: make(map[*Task]struct{}),
		stuck:    make(map[*Task]struct{}),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.group.SetLimit(cfg.Workers)

	go s.loop()
	return s
}

// Add validates job, creates its working directory and registers it. The
// job is either fully registered or not registered at all: on any failure
// the directory and stored record are rolled back.
func (s *Scheduler) Add(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", NewValidationError("", "nil job")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSchedulerClosed
	}
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.mu.Unlock()

	if err := job.validate(); err != nil {
		s.logger.Warn("job rejected", "job", job.ID, "error", err)
		return "", err
	}

	dir, err := s.dirs.Create(job.ID)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return "", fmt.Errorf("create job directory: %w", err)
	}

	if s.store != nil {
		info := job.Snapshot()
		info.Dir = dir
		if err := s.store.SaveJob(ctx, info); err != nil {
			s.removeDir(dir)
			return "", fmt.Errorf("persist job %s: %w", job.ID, err)
		}
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists || s.closed {
		closed := s.closed
		s.mu.Unlock()
		s.rollback(job.ID, dir)
		if closed {
			return "", ErrSchedulerClosed
		}
		return "", fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if err := job.submit(dir); err != nil {
		s.mu.Unlock()
		s.rollback(job.ID, dir)
		return "", err
	}
	s.jobs[job.ID] = &entry{job: job}
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	s.trackStatus(job)
	s.logger.Info("job submitted", "job", job.ID, "name", job.Name, "tasks", len(job.Tasks()))
	s.publish(events.TopicJob, events.JobSubmittedEvent{
		Job:       job.ID,
		Name:      job.Name,
		Username:  job.Username,
		Tasks:     len(job.Tasks()),
		Timestamp: time.Now(),
	})
	s.kick()
	return job.ID, nil
}

// Get returns a snapshot of the job.
func (s *Scheduler) Get(jobID string) (*JobInfo, error) {
	job, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return job.Snapshot(), nil
}

// Status returns the aggregate status of the job.
func (s *Scheduler) Status(jobID string) (Status, error) {
	job, err := s.lookup(jobID)
	if err != nil {
		return "", err
	}
	return job.Status(), nil
}

// List returns snapshots of every registered job in submission order.
func (s *Scheduler) List() []*JobInfo {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].job)
	}
	s.mu.Unlock()

	infos := make([]*JobInfo, len(jobs))
	for i, j := range jobs {
		infos[i] = j.Snapshot()
	}
	return infos
}

// Delete aborts the job's tasks, waits up to the abort grace period for them
// to stop, then removes the job from the registry, its directory and its
// stored record. Tasks that do not stop in time are forcibly reclaimed.
// Deleting an unknown job is not an error; concurrent calls for the same
// job all return once the first one finished.
func (s *Scheduler) Delete(jobID string) error {
	s.mu.Lock()
	e, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if e.deleting != nil {
		ch := e.deleting
		s.mu.Unlock()
		<-ch
		return nil
	}
	e.deleting = make(chan struct{})
	s.mu.Unlock()
	defer close(e.deleting)

	job := e.job
	tasks := job.Tasks()
	for _, t := range tasks {
		t.Abort()
	}

	forcedTasks := s.awaitTasks(tasks)
	forced := len(forcedTasks) > 0
	if forced {
		s.logger.Warn("tasks ignored abort, reclaimed forcibly", "job", jobID, "grace", s.cfg.AbortGrace)
		s.markStuck(jobID, forcedTasks)
	}

	s.mu.Lock()
	delete(s.jobs, jobID)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	var errs []error
	if dir := job.Dir(); dir != "" {
		if err := s.dirs.Remove(context.Background(), dir); err != nil {
			errs = append(errs, fmt.Errorf("remove job directory: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.DeleteJob(context.Background(), jobID); err != nil {
			errs = append(errs, fmt.Errorf("delete stored job: %w", err))
		}
	}

	s.logger.Info("job deleted", "job", jobID, "forced", forced)
	s.publish(events.TopicJob, events.JobDeletedEvent{Job: jobID, Forced: forced, Timestamp: time.Now()})
	s.kick()
	return errors.Join(errs...)
}

// awaitTasks waits for every task to become terminal, forcing the ones
// still alive after the grace period. It returns the forced tasks.
func (s *Scheduler) awaitTasks(tasks []*Task) []*Task {
	timer := time.NewTimer(s.cfg.AbortGrace)
	defer timer.Stop()

	for _, t := range tasks {
		select {
		case <-t.Done():
			continue
		case <-timer.C:
		}
		// Grace expired: force this and every remaining task.
		var forced []*Task
		for _, rest := range tasks {
			if rest.Status().IsTerminal() {
				continue
			}
			forced = append(forced, rest)
			if err := rest.forceAbort(); err != nil {
				s.logger.Error("force abort failed", "task", rest.ID, "error", err)
			}
		}
		return forced
	}
	return nil
}

// markStuck records forced tasks whose work has still not returned. Each one
// keeps its worker slot until it does.
func (s *Scheduler) markStuck(jobID string, forced []*Task) {
	s.mu.Lock()
	for _, t := range forced {
		if _, ok := s.inFlight[t]; ok {
			s.stuck[t] = struct{}{}
		}
	}
	n := len(s.stuck)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Error("worker slots held by tasks that ignored abort",
			"job", jobID, "stuck", n, "workers", s.cfg.Workers)
	}
}

// Restore loads persisted jobs into the registry. Tasks that were still
// pending or running when the previous process stopped come back Aborted.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	infos, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored jobs: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })

	restored := 0
	for _, info := range infos {
		job := restoreJob(info)

		s.mu.Lock()
		if _, exists := s.jobs[job.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.jobs[job.ID] = &entry{job: job}
		s.order = append(s.order, job.ID)
		s.mu.Unlock()
		restored++

		for _, ti := range info.Tasks {
			if ti.Status.IsTerminal() {
				continue
			}
			if t, ok := job.Task(ti.ID); ok {
				snap := t.Snapshot()
				if err := s.store.UpdateTask(ctx, job.ID, &snap); err != nil {
					s.logger.Warn("persist restored task", "job", job.ID, "task", ti.ID, "error", err)
				}
			}
		}
	}
	s.logger.Info("jobs restored", "count", restored)
	return restored, nil
}

// Running returns the number of worker slots in use, stuck ones included.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stuck returns the number of worker slots held by tasks that were forcibly
// aborted but whose work has not returned yet.
func (s *Scheduler) Stuck() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stuck)
}

// Shutdown stops dispatching, aborts every running task and waits for the
// workers to return or ctx to expire. Registered jobs stay readable.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := make([]*Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		for _, t := range j.Tasks() {
			if t.Status() == StatusRunning {
				t.Abort()
			}
		}
	}
	s.cancel()
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) lookup(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return e.job, nil
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

// dispatch starts ready tasks until the worker limit is reached. Jobs are
// visited in submission order and tasks in insertion order. Jobs that are
// being deleted or have already failed or been aborted get no new tasks.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, id := range s.order {
		e := s.jobs[id]
		if e.deleting != nil {
			continue
		}
		switch e.job.Status() {
		case StatusError, StatusAborted, StatusDone:
			continue
		}
		for _, t := range e.job.readyTasks() {
			if s.running >= s.cfg.Workers {
				return
			}
			if err := t.begin(s.ctx); err != nil {
				s.logger.Error("cannot start task", "job", id, "task", t.ID, "error", err)
				continue
			}
			s.running++
			s.inFlight[t] = struct{}{}
			s.start(e.job, t)
		}
	}
}

// start launches t on the worker pool. Caller holds s.mu.
func (s *Scheduler) start(job *Job, t *Task) {
	exec := NewExecution(job.ID, job.Dir(), t, job.upstreamOutputs(t))
	exec.onProgress = func(p float64) {
		s.publish(events.TopicTask, events.TaskProgressEvent{Job: job.ID, Task: t.ID, Progress: p, Timestamp: time.Now()})
	}

	paths := make([]string, len(t.WritesFiles))
	for i, f := range t.WritesFiles {
		paths[i] = filepath.Join(job.Dir(), f)
	}

	s.logger.Debug("task started", "job", job.ID, "task", t.ID, "kind", t.Kind)
	s.publish(events.TopicTask, events.TaskStartedEvent{Job: job.ID, Task: t.ID, Kind: t.Kind, Timestamp: time.Now()})

	s.group.Go(func() error {
		s.trackStatus(job)
		start := time.Now()
		unlock := s.locks.LockAll(paths)
		err := t.execute(exec)
		unlock()
		s.finished(job, t, err, time.Since(start))
		return nil
	})
}

// finished records the outcome of a task and wakes the dispatcher.
func (s *Scheduler) finished(job *Job, t *Task, err error, elapsed time.Duration) {
	info := t.Snapshot()
	log := s.logger.With("job", job.ID, "task", t.ID, "status", info.Status, "duration", elapsed)
	switch {
	case err == nil:
		log.Info("task finished")
	case errors.Is(err, ErrAbortRequested):
		log.Info("task aborted")
	default:
		log.Error("task failed", "error", err)
	}

	if s.store != nil {
		if perr := s.store.UpdateTask(context.Background(), job.ID, &info); perr != nil {
			log.Debug("persist task state", "error", perr)
		}
	}
	s.publish(events.TopicTask, events.TaskFinishedEvent{
		Job:       job.ID,
		Task:      t.ID,
		Status:    info.Status.String(),
		Err:       info.Error,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})

	s.trackStatus(job)

	s.mu.Lock()
	s.running--
	delete(s.inFlight, t)
	_, wasStuck := s.stuck[t]
	delete(s.stuck, t)
	s.mu.Unlock()
	if wasStuck {
		log.Warn("stuck worker returned")
	}
	s.kick()
}

// trackStatus records a change of the job's aggregate status in its
// history, the store and the event bus.
func (s *Scheduler) trackStatus(job *Job) {
	change, changed := job.recordStatus()
	if !changed {
		return
	}
	if rec, ok := s.store.(StatusRecorder); ok {
		if err := rec.RecordStatus(context.Background(), job.ID, change); err != nil {
			s.logger.Debug("persist job status", "job", job.ID, "error", err)
		}
	}
	s.publish(events.TopicJob, events.JobStatusEvent{Job: job.ID, Status: change.Status.String(), Timestamp: change.At})
}

func (s *Scheduler) rollback(jobID, dir string) {
	s.removeDir(dir)
	if s.store != nil {
		if err := s.store.DeleteJob(context.Background(), jobID); err != nil {
			s.logger.Warn("rollback stored job", "job", jobID, "error", err)
		}
	}
}

func (s *Scheduler) removeDir(dir string) {
	if err := s.dirs.Remove(context.Background(), dir); err != nil {
		s.logger.Warn("remove job directory", "dir", dir, "error", err)
	}
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}
