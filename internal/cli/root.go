package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/jobsched/internal/logging"
)

var (
	flagServer    string
	flagUser      string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking JOBSCHED_SERVER first.
func defaultServer() string {
	if s := os.Getenv("JOBSCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:5000"
}

// defaultUser returns the submitting username, checking JOBSCHED_USER then USER.
func defaultUser() string {
	if u := os.Getenv("JOBSCHED_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// NewRootCmd creates the root cobra command for the jobsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobsched",
		Short: "jobsched runs dependency-ordered dataset jobs",
		Long: "jobsched schedules jobs made of dependent tasks, runs them on a bounded\n" +
			"worker pool and serves their status over a REST API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			level, err := logging.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			if !logging.ValidFormat(flagLogFormat) {
				return fmt.Errorf("unknown log format %q", flagLogFormat)
			}
			logger = logging.New(logging.Options{Level: level, Format: flagLogFormat, Writer: cmd.ErrOrStderr()})
			client = NewClient(flagServer, flagUser, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "jobsched server URL (or JOBSCHED_SERVER env)")
	root.PersistentFlags().StringVar(&flagUser, "user", defaultUser(), "Username recorded on submitted jobs (or JOBSCHED_USER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newNewCmd(),
		newListCmd(),
		newStatusCmd(),
		newDeleteCmd(),
	)

	return root
}
