package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/jobsched/internal/config"
	"github.com/aristath/jobsched/internal/scheduler"
)

// KindCommand is the name of the external command kind.
const KindCommand = "command"

// Command runs a configured external tool inside the job directory. Its
// stdout and stderr go to <task_id>.log.
type Command struct {
	Profile string
	Path    string
	Args    []string
	Env     []string

	processes *ProcessManager
	breaker   *gobreaker.CircuitBreaker
	retry     RetryConfig

	mu  sync.Mutex
	cmd *osexec.Cmd
}

var _ scheduler.Killer = (*Command)(nil)

func commandKind(profiles map[string]config.CommandProfile, processes *ProcessManager, breakers *BreakerRegistry, retry RetryConfig) Kind {
	return Kind{
		Name:     KindCommand,
		Required: []string{"profile"},
		Outputs:  []string{"log", "exit_code"},
		Artifacts: func(taskID string) []string {
			return []string{logFile(taskID)}
		},
		New: func(params map[string]string) (scheduler.Work, error) {
			name := params["profile"]
			p, ok := profiles[name]
			if !ok {
				return nil, fmt.Errorf("unknown command profile %q", name)
			}

			args := append([]string(nil), p.Args...)
			args = append(args, strings.Fields(params["args"])...)

			keys := make([]string, 0, len(p.Env))
			for k := range p.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			env := make([]string, 0, len(keys))
			for _, k := range keys {
				env = append(env, k+"="+p.Env[k])
			}

			return &Command{
				Profile:   name,
				Path:      p.Command,
				Args:      args,
				Env:       env,
				processes: processes,
				breaker:   breakers.Get(name),
				retry:     retry,
			}, nil
		},
	}
}

func logFile(taskID string) string {
	return taskID + ".log"
}

// Run starts the process, waits for it and records its exit code.
func (c *Command) Run(ctx context.Context, exec *scheduler.Execution) error {
	name := logFile(exec.TaskID)
	logf, err := os.OpenFile(filepath.Join(exec.JobDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logf.Close()
	exec.SetOutput("log", name)

	env := append(os.Environ(), c.Env...)
	env = append(env,
		"JOB_ID="+exec.JobID,
		"JOB_DIR="+exec.JobDir,
		"TASK_ID="+exec.TaskID,
	)

	build := func() *osexec.Cmd {
		cmd := newCommand(ctx, c.Path, c.Args...)
		cmd.Dir = exec.JobDir
		cmd.Env = env
		cmd.Stdout = logf
		cmd.Stderr = logf
		cmd.WaitDelay = 5 * time.Second
		return cmd
	}

	cmd, err := startWithRetry(ctx, build, c.breaker, c.retry)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("start %s: %w", c.Profile, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	c.processes.Track(cmd)
	defer c.processes.Untrack(cmd)

	waitErr := cmd.Wait()
	if cmd.ProcessState != nil {
		exec.SetOutput("exit_code", strconv.Itoa(cmd.ProcessState.ExitCode()))
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if waitErr != nil {
		var exitErr *osexec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("%s exited with code %d (see %s)", c.Profile, exitErr.ExitCode(), name)
		}
		return fmt.Errorf("%s: %w", c.Profile, waitErr)
	}
	return nil
}

// Kill terminates the process group of a running command.
func (c *Command) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd)
}
