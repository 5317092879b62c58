package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/tasks"
)

// Build turns doc into an unsubmitted job using the kinds in reg. Every
// problem found is collected into one *scheduler.ValidationError.
func Build(doc *Document, reg *tasks.Registry) (*scheduler.Job, error) {
	job := scheduler.NewJob(doc.Name, doc.Username)
	job.Group = doc.Group
	if len(doc.Metadata) > 0 {
		job.Metadata = make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			job.Metadata[k] = v
		}
	}

	var problems []string
	if doc.Name == "" {
		problems = append(problems, "pipeline has no name")
	}

	omitted := make(map[string]bool)
	for _, s := range doc.Steps {
		if !s.Optional {
			continue
		}
		missing, err := reg.Missing(s.Kind, s.Params)
		if err != nil {
			continue // reported below
		}
		if len(missing) > 0 {
			omitted[s.ID] = true
		}
	}

	for _, s := range doc.Steps {
		if omitted[s.ID] {
			continue
		}
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("step of kind %q has no id", s.Kind))
			continue
		}

		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			if !omitted[d] {
				deps = append(deps, d)
			}
		}

		t, err := reg.NewTask(s.ID, s.Kind, s.Params, deps...)
		if err != nil {
			problems = append(problems, problemsOf(err)...)
			continue
		}
		t.Name = s.Name
		for _, w := range s.Writes {
			if !filepath.IsLocal(w) {
				problems = append(problems, fmt.Sprintf("step %q: writes %q outside the job directory", s.ID, w))
				continue
			}
			t.WritesFiles = append(t.WritesFiles, filepath.Clean(w))
		}
		if err := job.AddTask(t); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return nil, &scheduler.ValidationError{JobID: job.ID, Problems: problems}
	}
	return job, nil
}

func problemsOf(err error) []string {
	var ve *scheduler.ValidationError
	if errors.As(err, &ve) {
		return ve.Problems
	}
	return []string{err.Error()}
}
