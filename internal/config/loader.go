package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*SchedulerConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalPath returns ~/.jobsched/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".jobsched", "config.json"), nil
}

// ProjectPath is the project config location relative to the working directory.
const ProjectPath = ".jobsched/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.jobsched/config.json
// Project: .jobsched/config.json (relative to cwd)
func LoadDefault() (*SchedulerConfig, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, filepath.FromSlash(ProjectPath))
}

// mergeConfigFile reads a JSON config file and merges it into base.
// Only fields present in the file override base; command profiles merge by name.
func mergeConfigFile(base *SchedulerConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded SchedulerConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.JobsDir != "" {
		base.JobsDir = loaded.JobsDir
	}
	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.Workers != 0 {
		base.Workers = loaded.Workers
	}
	if loaded.AbortGrace != 0 {
		base.AbortGrace = loaded.AbortGrace
	}
	if loaded.ListenAddr != "" {
		base.ListenAddr = loaded.ListenAddr
	}
	if loaded.LogLevel != "" {
		base.LogLevel = loaded.LogLevel
	}
	if loaded.LogFormat != "" {
		base.LogFormat = loaded.LogFormat
	}

	if base.Commands == nil {
		base.Commands = make(map[string]CommandProfile)
	}
	for name, profile := range loaded.Commands {
		base.Commands[name] = profile
	}

	return nil
}
