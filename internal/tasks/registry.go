package tasks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/jobsched/internal/scheduler"
)

// Kind describes one kind of task: the parameters it needs, the outputs it
// publishes and how its work is built.
type Kind struct {
	Name     string
	Required []string // Parameters that must be present and non-empty
	Outputs  []string // Output keys published on success

	// Artifacts returns the files, relative to the job directory, that a
	// task with the given ID writes. May be nil.
	Artifacts func(taskID string) []string

	// New builds the work for one task from its parameters. Required
	// parameters have already been checked.
	New func(params map[string]string) (scheduler.Work, error)
}

// Registry maps kind names to their definitions.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds a kind. Names must be unique.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("task kind has no name")
	}
	if k.New == nil {
		return fmt.Errorf("task kind %q has no constructor", k.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("task kind %q already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns the required parameters of kind that params lacks.
func (r *Registry) Missing(kind string, params map[string]string) ([]string, error) {
	k, ok := r.Lookup(kind)
	if !ok {
		return nil, scheduler.NewValidationError("", fmt.Sprintf("unknown task kind %q", kind))
	}
	var missing []string
	for _, p := range k.Required {
		if params[p] == "" {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// Build checks params against kind and constructs its work. Problems are
// reported as a *scheduler.ValidationError.
func (r *Registry) Build(kind string, params map[string]string) (scheduler.Work, error) {
	missing, err := r.Missing(kind, params)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		problems := make([]string, len(missing))
		for i, p := range missing {
			problems[i] = fmt.Sprintf("task kind %q requires parameter %q", kind, p)
		}
		return nil, scheduler.NewValidationError("", problems...)
	}

	k, _ := r.Lookup(kind)
	work, err := k.New(params)
	if err != nil {
		if _, ok := err.(*scheduler.ValidationError); ok {
			return nil, err
		}
		return nil, scheduler.NewValidationError("", fmt.Sprintf("task kind %q: %v", kind, err))
	}
	return work, nil
}

// NewTask builds a scheduler task of the given kind with its work, params
// and written artifacts filled in.
func (r *Registry) NewTask(id, kind string, params map[string]string, dependsOn ...string) (*scheduler.Task, error) {
	work, err := r.Build(kind, params)
	if err != nil {
		if ve, ok := err.(*scheduler.ValidationError); ok {
			for i, p := range ve.Problems {
				ve.Problems[i] = fmt.Sprintf("task %q: %s", id, p)
			}
		}
		return nil, err
	}

	t := scheduler.NewTask(id, kind, work, dependsOn...)
	t.Params = make(map[string]string, len(params))
	for key, v := range params {
		t.Params[key] = v
	}
	k, _ := r.Lookup(kind)
	if k.Artifacts != nil {
		t.WritesFiles = k.Artifacts(id)
	}
	return t, nil
}
