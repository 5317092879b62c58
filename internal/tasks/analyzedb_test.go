package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeEntries(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func readAnalysis(t *testing.T, path string) Analysis {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read analysis: %v", err)
	}
	var a Analysis
	if err := yaml.Unmarshal(data, &a); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	return a
}

func TestAnalyzeDBDirectory(t *testing.T) {
	db := writeEntries(t, map[string]int{
		"b.bin":        10,
		"a.bin":        10,
		"sub/c.bin":    10,
		".hidden/x":    99,
		".DS_Store":    3,
		"sub/.ignored": 4,
	})
	jobDir := t.TempDir()

	task, err := runWork(t, context.Background(), testRegistry(), KindAnalyzeDB, map[string]string{
		"database":         db,
		"purpose":          "Training Images",
		"force_same_shape": "true",
	}, jobDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := task.Outputs()
	if out["analysis"] != "t1.analysis.yaml" || out["entries"] != "3" || out["purpose"] != "Training Images" {
		t.Errorf("outputs = %v", out)
	}

	a := readAnalysis(t, filepath.Join(jobDir, "t1.analysis.yaml"))
	if a.Entries != 3 || a.TotalBytes != 30 || a.EntrySize != 10 || !a.ForceSameShape {
		t.Errorf("analysis = %+v", a)
	}
	want := []string{"a.bin", "b.bin", filepath.Join("sub", "c.bin")}
	for i, e := range a.Files {
		if e.Path != want[i] {
			t.Errorf("Files[%d] = %s, want %s", i, e.Path, want[i])
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(jobDir, ".t1.analysis.yaml.*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestAnalyzeDBSingleFile(t *testing.T) {
	db := writeEntries(t, map[string]int{"labels.db": 42})
	jobDir := t.TempDir()

	_, err := runWork(t, context.Background(), testRegistry(), KindAnalyzeDB, map[string]string{
		"database": filepath.Join(db, "labels.db"),
	}, jobDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	a := readAnalysis(t, filepath.Join(jobDir, "t1.analysis.yaml"))
	if a.Entries != 1 || a.TotalBytes != 42 || a.Files[0].Path != "labels.db" {
		t.Errorf("analysis = %+v", a)
	}
}

func TestAnalyzeDBShapes(t *testing.T) {
	db := writeEntries(t, map[string]int{"a": 10, "b": 12})

	tests := []struct {
		name    string
		force   string
		wantErr bool
	}{
		{"mixed sizes allowed", "false", false},
		{"mixed sizes rejected", "true", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobDir := t.TempDir()
			_, err := runWork(t, context.Background(), testRegistry(), KindAnalyzeDB, map[string]string{
				"database":         db,
				"force_same_shape": tt.force,
			}, jobDir)

			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "force_same_shape") {
					t.Fatalf("Run() error = %v, want shape mismatch", err)
				}
				if _, statErr := os.Stat(filepath.Join(jobDir, "t1.analysis.yaml")); !os.IsNotExist(statErr) {
					t.Error("analysis written despite failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			a := readAnalysis(t, filepath.Join(jobDir, "t1.analysis.yaml"))
			if a.EntrySize != 0 || a.TotalBytes != 22 {
				t.Errorf("analysis = %+v", a)
			}
		})
	}
}

func TestAnalyzeDBErrors(t *testing.T) {
	tests := []struct {
		name     string
		database func(t *testing.T) string
		wantErr  string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }, "open database"},
		{"empty", func(t *testing.T) string { return t.TempDir() }, "no entries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runWork(t, context.Background(), testRegistry(), KindAnalyzeDB, map[string]string{
				"database": tt.database(t),
			}, t.TempDir())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Run() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAnalyzeDBStopsOnCancel(t *testing.T) {
	db := writeEntries(t, map[string]int{"a": 1, "b": 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runWork(t, ctx, testRegistry(), KindAnalyzeDB, map[string]string{"database": db}, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
