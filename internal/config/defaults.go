package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *SchedulerConfig {
	return &SchedulerConfig{
		JobsDir:    "jobs",
		Workers:    4,
		AbortGrace: Duration(10 * time.Second),
		ListenAddr: ":5000",
		LogLevel:   "info",
		LogFormat:  "text",
		Commands: map[string]CommandProfile{
			"checksum": {
				Command: "sha256sum",
			},
		},
	}
}

// DatabasePath returns DBPath, falling back to a file inside JobsDir.
func (c *SchedulerConfig) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.JobsDir, "jobsched.db")
}

// Validate reports configuration values the scheduler cannot run with.
func (c *SchedulerConfig) Validate() error {
	var errs []error
	if c.JobsDir == "" {
		errs = append(errs, errors.New("jobs_dir must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.AbortGrace <= 0 {
		errs = append(errs, fmt.Errorf("abort_grace must be positive, got %s", time.Duration(c.AbortGrace)))
	}
	for name, p := range c.Commands {
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("command profile %q has no command", name))
		}
	}
	return errors.Join(errs...)
}
