package tasks

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/jobsched/internal/scheduler"
)

// KindAnalyzeDB is the name of the database analysis kind.
const KindAnalyzeDB = "analyze-db"

// AnalyzeDB inspects a database (a single file or a directory of entries)
// and writes a YAML summary into the job directory.
type AnalyzeDB struct {
	Database       string
	Purpose        string
	ForceSameShape bool
}

// Analysis is the summary written by AnalyzeDB.
type Analysis struct {
	Database       string  `yaml:"database"`
	Purpose        string  `yaml:"purpose,omitempty"`
	ForceSameShape bool    `yaml:"force_same_shape"`
	Entries        int     `yaml:"entries"`
	TotalBytes     int64   `yaml:"total_bytes"`
	EntrySize      int64   `yaml:"entry_size,omitempty"` // Set when every entry has the same size
	Files          []Entry `yaml:"files"`
}

// Entry is one analysed database entry.
type Entry struct {
	Path string `yaml:"path"`
	Size int64  `yaml:"size"`
}

func analyzeDBKind() Kind {
	return Kind{
		Name:     KindAnalyzeDB,
		Required: []string{"database"},
		Outputs:  []string{"analysis", "entries", "purpose"},
		Artifacts: func(taskID string) []string {
			return []string{analysisFile(taskID)}
		},
		New: func(params map[string]string) (scheduler.Work, error) {
			force := false
			if v := params["force_same_shape"]; v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return nil, fmt.Errorf("force_same_shape: invalid boolean %q", v)
				}
				force = b
			}
			return &AnalyzeDB{
				Database:       params["database"],
				Purpose:        params["purpose"],
				ForceSameShape: force,
			}, nil
		},
	}
}

func analysisFile(taskID string) string {
	return taskID + ".analysis.yaml"
}

// Run walks the database, one entry at a time, and writes the analysis.
func (a *AnalyzeDB) Run(ctx context.Context, exec *scheduler.Execution) error {
	paths, err := a.entries()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("database %s has no entries", a.Database)
	}

	result := Analysis{
		Database:       a.Database,
		Purpose:        a.Purpose,
		ForceSameShape: a.ForceSameShape,
		Files:          make([]Entry, 0, len(paths)),
	}
	sameSize := true

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		fi, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat entry: %w", err)
		}
		size := fi.Size()

		if i > 0 && size != result.Files[0].Size {
			sameSize = false
			if a.ForceSameShape {
				return fmt.Errorf("entry %s is %d bytes but %s is %d bytes and force_same_shape is set",
					a.rel(p), size, result.Files[0].Path, result.Files[0].Size)
			}
		}

		result.Files = append(result.Files, Entry{Path: a.rel(p), Size: size})
		result.TotalBytes += size
		result.Entries++
		exec.SetProgress(float64(i+1) / float64(len(paths)))
	}
	if sameSize {
		result.EntrySize = result.Files[0].Size
	}

	data, err := yaml.Marshal(&result)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	name := analysisFile(exec.TaskID)
	if err := writeFileAtomic(filepath.Join(exec.JobDir, name), data); err != nil {
		return err
	}

	exec.SetOutput("analysis", name)
	exec.SetOutput("entries", strconv.Itoa(result.Entries))
	exec.SetOutput("purpose", a.Purpose)
	return nil
}

// entries lists the regular files making up the database, in lexical order.
func (a *AnalyzeDB) entries() ([]string, error) {
	fi, err := os.Stat(a.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !fi.IsDir() {
		return []string{a.Database}, nil
	}

	var paths []string
	err = filepath.WalkDir(a.Database, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != a.Database {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk database: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (a *AnalyzeDB) rel(p string) string {
	if r, err := filepath.Rel(a.Database, p); err == nil && r != "." {
		return r
	}
	return filepath.Base(p)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
