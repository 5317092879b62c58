package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/jobsched/internal/config"
	"github.com/aristath/jobsched/internal/events"
	"github.com/aristath/jobsched/internal/logging"
	"github.com/aristath/jobsched/internal/persistence"
	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/server"
	"github.com/aristath/jobsched/internal/tasks"
	"github.com/aristath/jobsched/internal/tui"
	"github.com/aristath/jobsched/internal/workdir"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		dashboard  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, err := config.GlobalPath()
			if err != nil {
				return err
			}
			projectPath := config.ProjectPath
			if configPath != "" {
				projectPath = configPath
			}
			cfg, err := config.Load(globalPath, projectPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			level, format := flagLogLevel, flagLogFormat
			if !cmd.Flags().Changed("log-level") && !flagDebug {
				// The config file decides when the flag was left alone.
				level = cfg.LogLevel
			}
			if !cmd.Flags().Changed("log-format") {
				format = cfg.LogFormat
			}
			lvl, err := logging.ParseLevel(level)
			if err != nil {
				return err
			}

			// The dashboard owns the terminal, so logs go to a file.
			w := cmd.ErrOrStderr()
			if dashboard {
				if err := os.MkdirAll(cfg.JobsDir, 0o755); err != nil {
					return err
				}
				f, err := os.OpenFile(filepath.Join(cfg.JobsDir, "jobsched.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				w = f
			}
			log := logging.New(logging.Options{Level: lvl, Format: format, Writer: w})

			return serve(cmd.Context(), cfg, log, dashboard, globalPath, projectPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Project config file (default .jobsched/config.json)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&dashboard, "tui", false, "Show a live dashboard in the terminal")
	return cmd
}

// serve wires the scheduler stack together and blocks until ctx is done or
// the dashboard is closed.
func serve(ctx context.Context, cfg *config.SchedulerConfig, log *slog.Logger, dashboard bool, globalPath, projectPath string) error {
	dirs, err := workdir.NewManager(workdir.Config{Root: cfg.JobsDir})
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	processes := tasks.NewProcessManager()
	registry := tasks.NewDefaultRegistry(tasks.Options{
		Profiles:  cfg.Commands,
		Processes: processes,
		Logger:    log,
	})

	sched := scheduler.New(
		scheduler.Config{Workers: cfg.Workers, AbortGrace: time.Duration(cfg.AbortGrace)},
		dirs,
		scheduler.WithStore(store),
		scheduler.WithEventBus(bus),
		scheduler.WithLogger(log),
	)

	if _, err := sched.Restore(ctx); err != nil {
		return err
	}
	pruned, err := dirs.Prune(ctx, func(jobID string) bool {
		_, err := sched.Get(jobID)
		return err == nil
	})
	if err != nil {
		log.Warn("prune job directories", "error", err)
	} else if len(pruned) > 0 {
		log.Info("pruned orphaned job directories", "count", len(pruned))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.New(sched, registry, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.ListenAddr)
		// A failed listener also closes the dashboard.
		cancel()
	}()

	var runErr error
	if dashboard {
		model := tui.New(bus, cfg, globalPath, projectPath, sched.List())
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			runErr = err
		}
		cancel()
	}
	runErr = errors.Join(runErr, <-errCh)

	log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Duration(cfg.AbortGrace)+5*time.Second)
	defer stop()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn("scheduler shutdown", "error", err)
		if err := processes.KillAll(); err != nil {
			log.Error("kill subprocesses", "error", err)
		}
	}
	return runErr
}
