package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandProfile defines an external tool that "command" tasks may run.
// Tasks reference profiles by name so submissions never carry raw paths.
type CommandProfile struct {
	Command string            `json:"command"`        // Executable name or path
	Args    []string          `json:"args,omitempty"` // Args prepended to the task's own args
	Env     map[string]string `json:"env,omitempty"`  // Extra environment variables
}

// Duration is a time.Duration that reads and writes as a string like "10s".
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// SchedulerConfig is the top-level configuration.
type SchedulerConfig struct {
	JobsDir    string                    `json:"jobs_dir"`             // Root holding one directory per job
	DBPath     string                    `json:"db_path,omitempty"`    // SQLite file (default <jobs_dir>/jobsched.db)
	Workers    int                       `json:"workers"`              // Maximum concurrently running tasks
	AbortGrace Duration                  `json:"abort_grace"`          // Cooperative abort window before forced reclamation
	ListenAddr string                    `json:"listen_addr"`          // HTTP listen address
	LogLevel   string                    `json:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat  string                    `json:"log_format,omitempty"` // text or json
	Commands   map[string]CommandProfile `json:"commands,omitempty"`   // Named command-task profiles
}
