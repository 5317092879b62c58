package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/jobsched/internal/pipeline"
	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/server"
)

func newSubmitCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "submit <pipeline.yaml>",
		Short: "Submit a pipeline document as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read pipeline: %w", err)
			}
			// Parse locally so syntax errors are reported before any request.
			doc, err := pipeline.Parse(data)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %q is valid (%d steps)\n", doc.Name, len(doc.Steps))
				return nil
			}

			resp, err := client.PostDocument(cmd.Context(), "/api/v1/jobs", data)
			if err != nil {
				return describe("submit job", err)
			}
			return printCreated(cmd, resp.Data)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the document locally without submitting")
	return cmd
}

func printCreated(cmd *cobra.Command, data json.RawMessage) error {
	var job server.JobSummary
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job created: %s\n", job.ID)
	fmt.Fprintf(out, "  Name:   %s\n", job.Name)
	fmt.Fprintf(out, "  Tasks:  %d\n", job.Tasks)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs")
			if err != nil {
				return describe("list jobs", err)
			}

			var jobs []server.JobSummary
			if err := json.Unmarshal(resp.Data, &jobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-12s  %-6s  %-24s  %s\n", "ID", "STATUS", "TASKS", "NAME", "CREATED")
			fmt.Fprintf(out, "%-36s  %-12s  %-6s  %-24s  %s\n", "--", "------", "-----", "----", "-------")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-36s  %-12s  %-6d  %-24s  %s\n",
					j.ID, j.Status, j.Tasks, j.Name, j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs/"+args[0])
			if err != nil {
				return describe("get job", err)
			}

			var info scheduler.JobInfo
			if err := json.Unmarshal(resp.Data, &info); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job: %s\n", info.ID)
			fmt.Fprintf(out, "  Name:     %s\n", info.Name)
			if info.Username != "" {
				fmt.Fprintf(out, "  User:     %s\n", info.Username)
			}
			fmt.Fprintf(out, "  Status:   %s\n", info.Status)
			fmt.Fprintf(out, "  Progress: %.0f%%\n", info.Progress*100)
			fmt.Fprintln(out, "  Tasks:")
			for _, t := range info.Tasks {
				line := fmt.Sprintf("    - %s (%s): %s", t.ID, t.Kind, t.Status)
				if len(t.DependsOn) > 0 {
					line += " after " + strings.Join(t.DependsOn, ", ")
				}
				if t.Error != "" {
					line += ": " + t.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job_id>",
		Short: "Abort a job and remove it with its working directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Delete(cmd.Context(), "/api/v1/jobs/"+args[0]); err != nil {
				return describe("delete job", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
			return nil
		},
	}
}

// describe wraps err, listing validation details one per line.
func describe(action string, err error) error {
	if apiErr, ok := err.(*server.APIError); ok && len(apiErr.Details) > 0 {
		return fmt.Errorf("%s: %s\n  - %s", action, apiErr.Message, strings.Join(apiErr.Details, "\n  - "))
	}
	return fmt.Errorf("%s: %w", action, err)
}
