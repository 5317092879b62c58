package workdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// ErrOutsideRoot is returned when asked to remove a path that is not a
// direct child of the root.
var ErrOutsideRoot = errors.New("path is not a job directory under root")

// Manager creates and removes per-job working directories under a root.
type Manager struct {
	config Config
}

// NewManager creates the root if needed and returns a manager for it.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("workdir root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root
	if cfg.Perm == 0 {
		cfg.Perm = 0o755
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if err := os.MkdirAll(root, fs.FileMode(cfg.Perm)); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &Manager{config: cfg}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.config.Root
}

// Path returns where the directory for jobID lives, without creating it.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.config.Root, jobID)
}

// Create makes the directory for jobID. It fails with an error wrapping
// fs.ErrExist if the directory is already there.
func (m *Manager) Create(jobID string) (string, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return "", fmt.Errorf("invalid job ID %q", jobID)
	}
	dir := m.Path(jobID)
	if err := os.Mkdir(dir, fs.FileMode(m.config.Perm)); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

// Remove deletes a job directory, retrying with exponential backoff while
// files are still being released. A directory that is already gone is not
// an error.
func (m *Manager) Remove(ctx context.Context, dir string) error {
	if err := m.checkChild(dir); err != nil {
		return err
	}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := os.RemoveAll(dir)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrPermission) {
			// Read-only entries left behind by tools; make them writable and retry.
			_ = makeWritable(dir)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.config.Retry.InitialInterval
	policy.MaxInterval = m.config.Retry.MaxInterval
	policy.MaxElapsedTime = m.config.Retry.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// List returns every job directory under the root, sorted by name.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list job directories: %w", err)
	}

	var dirs []Info
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.config.Root, e.Name())
		dirs = append(dirs, Info{
			Path:    path,
			JobID:   e.Name(),
			Size:    dirSize(path),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].JobID < dirs[j].JobID })
	return dirs, nil
}

// Prune removes job directories for which keep returns false and returns
// the IDs it removed.
func (m *Manager) Prune(ctx context.Context, keep func(jobID string) bool) ([]string, error) {
	dirs, err := m.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, d := range dirs {
		if keep(d.JobID) {
			continue
		}
		if err := m.Remove(ctx, d.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, d.JobID)
	}
	return removed, errors.Join(errs...)
}

// checkChild ensures dir is a direct child of the root.
func (m *Manager) checkChild(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	if filepath.Dir(abs) != m.config.Root || abs == m.config.Root {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return nil
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				size += fi.Size()
			}
		}
		return nil
	})
	return size
}

func makeWritable(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(p, 0o755)
		}
		return nil
	})
}
