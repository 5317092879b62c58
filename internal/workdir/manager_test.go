package workdir

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Root: filepath.Join(t.TempDir(), "jobs"),
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  50 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestNewManagerRequiresRoot(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestCreate(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.Create("20240101-120000-abcd")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dir != filepath.Join(m.Root(), "20240101-120000-abcd") {
		t.Errorf("dir = %s", dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	_, err = m.Create("20240101-120000-abcd")
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("second Create() error = %v, want fs.ErrExist", err)
	}
}

func TestCreateRejectsBadIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := m.Create(id); err == nil {
			t.Errorf("Create(%q) succeeded", id)
		}
	}
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.Create("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "train.analysis.yaml"), []byte("images: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(context.Background(), dir); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory still exists")
	}

	// Removing a missing directory is fine.
	if err := m.Remove(context.Background(), dir); err != nil {
		t.Errorf("Remove() of missing dir error = %v", err)
	}
}

func TestRemoveReadOnlyTree(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	m := newTestManager(t)
	dir, _ := m.Create("job-ro")
	sub := filepath.Join(dir, "locked")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(sub, 0o555); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(context.Background(), dir); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory still exists")
	}
}

func TestRemoveRefusesOutsideRoot(t *testing.T) {
	m := newTestManager(t)
	outside := t.TempDir()

	for _, dir := range []string{outside, m.Root(), filepath.Join(m.Root(), "a", "b")} {
		if err := m.Remove(context.Background(), dir); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Remove(%s) error = %v, want ErrOutsideRoot", dir, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("directory outside root was touched")
	}
}

func TestRemoveCancelled(t *testing.T) {
	m := newTestManager(t)
	dir, _ := m.Create("job-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Remove(ctx, dir); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestListAndPrune(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"b-job", "a-job", "c-job"} {
		dir, err := m.Create(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "data"), []byte("12345"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files and hidden directories are ignored.
	_ = os.WriteFile(filepath.Join(m.Root(), "notes.txt"), nil, 0o644)
	_ = os.Mkdir(filepath.Join(m.Root(), ".tmp"), 0o755)

	dirs, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range dirs {
		ids = append(ids, d.JobID)
		if d.Size != 5 {
			t.Errorf("%s size = %d, want 5", d.JobID, d.Size)
		}
	}
	if strings.Join(ids, ",") != "a-job,b-job,c-job" {
		t.Errorf("List() = %v", ids)
	}

	removed, err := m.Prune(context.Background(), func(id string) bool { return id == "b-job" })
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(removed, ",") != "a-job,c-job" {
		t.Errorf("Prune() removed %v", removed)
	}
	dirs, _ = m.List()
	if len(dirs) != 1 || dirs[0].JobID != "b-job" {
		t.Errorf("after prune: %+v", dirs)
	}
}
