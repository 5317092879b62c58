package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aristath/jobsched/internal/config"
	"github.com/aristath/jobsched/internal/scheduler"
)

func testRegistry() *Registry {
	return NewDefaultRegistry(Options{
		Profiles: map[string]config.CommandProfile{
			"echo": {Command: "echo"},
		},
	})
}

func TestRegistryNames(t *testing.T) {
	got := testRegistry().Names()
	if len(got) != 2 || got[0] != KindAnalyzeDB || got[1] != KindCommand {
		t.Errorf("Names() = %v, want [%s %s]", got, KindAnalyzeDB, KindCommand)
	}
}

func TestRegisterRejectsDuplicatesAndIncompleteKinds(t *testing.T) {
	r := NewRegistry()
	noop := func(map[string]string) (scheduler.Work, error) { return nil, nil }

	if err := r.Register(Kind{Name: "x", New: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		kind Kind
	}{
		{"duplicate", Kind{Name: "x", New: noop}},
		{"no name", Kind{New: noop}},
		{"no constructor", Kind{Name: "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.kind); err == nil {
				t.Error("Register() error = nil, want error")
			}
		})
	}
}

func TestBuildValidation(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name    string
		kind    string
		params  map[string]string
		wantErr string
	}{
		{"unknown kind", "train", nil, `unknown task kind "train"`},
		{"missing database", KindAnalyzeDB, map[string]string{"purpose": "x"}, `requires parameter "database"`},
		{"bad boolean", KindAnalyzeDB, map[string]string{"database": "/db", "force_same_shape": "maybe"}, "invalid boolean"},
		{"missing profile", KindCommand, nil, `requires parameter "profile"`},
		{"unknown profile", KindCommand, map[string]string{"profile": "rm"}, `unknown command profile "rm"`},
		{"valid analyze", KindAnalyzeDB, map[string]string{"database": "/db", "force_same_shape": "true"}, ""},
		{"valid command", KindCommand, map[string]string{"profile": "echo"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			work, err := r.Build(tt.kind, tt.params)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Build() error = %v", err)
				}
				if work == nil {
					t.Fatal("Build() returned nil work")
				}
				return
			}
			var ve *scheduler.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Build() error = %v, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Build() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMissing(t *testing.T) {
	r := testRegistry()

	missing, err := r.Missing(KindAnalyzeDB, map[string]string{"database": ""})
	if err != nil {
		t.Fatalf("Missing: %v", err)
	}
	if len(missing) != 1 || missing[0] != "database" {
		t.Errorf("Missing() = %v, want [database]", missing)
	}

	if _, err := r.Missing("nope", nil); err == nil {
		t.Error("Missing(unknown kind) error = nil")
	}
}

func TestNewTask(t *testing.T) {
	r := testRegistry()
	params := map[string]string{"database": "/data/train", "purpose": "Training images"}

	task, err := r.NewTask("train", KindAnalyzeDB, params, "fetch")
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Kind != KindAnalyzeDB || task.Work == nil {
		t.Errorf("task = %+v", task)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "fetch" {
		t.Errorf("DependsOn = %v", task.DependsOn)
	}
	if len(task.WritesFiles) != 1 || task.WritesFiles[0] != "train.analysis.yaml" {
		t.Errorf("WritesFiles = %v", task.WritesFiles)
	}

	params["purpose"] = "changed"
	if task.Params["purpose"] != "Training images" {
		t.Error("task params alias the caller's map")
	}
}

func TestNewTaskNamesTaskInProblems(t *testing.T) {
	_, err := testRegistry().NewTask("val", KindAnalyzeDB, nil)
	if err == nil || !strings.Contains(err.Error(), `task "val"`) {
		t.Errorf("NewTask() error = %v, want it to name the task", err)
	}
}

// runWork runs w outside a scheduler and returns the task holding outputs.
func runWork(t *testing.T, ctx context.Context, r *Registry, kind string, params map[string]string, jobDir string) (*scheduler.Task, error) {
	t.Helper()
	task, err := r.NewTask("t1", kind, params)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	exec := scheduler.NewExecution("job-1", jobDir, task, nil)
	return task, task.Work.Run(ctx, exec)
}
