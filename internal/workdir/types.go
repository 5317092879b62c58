package workdir

import "time"

// Info describes a job directory found under the root.
type Info struct {
	Path    string    // Absolute path to the directory
	JobID   string    // Directory name, which is the job ID
	Size    int64     // Total size of regular files in bytes
	ModTime time.Time // Modification time of the directory itself
}

// RetryConfig configures exponential backoff for directory removal.
type RetryConfig struct {
	InitialInterval time.Duration // Initial retry interval (default 50ms)
	MaxInterval     time.Duration // Maximum retry interval (default 1s)
	MaxElapsedTime  time.Duration // Maximum total retry time (default 10s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// Config configures the directory manager.
type Config struct {
	Root  string      // Directory holding one subdirectory per job
	Perm  uint32      // Permission bits for new directories (default 0755)
	Retry RetryConfig // Removal retry policy
}
