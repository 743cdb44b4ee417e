package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codemap/internal/client"
)

var jobsKind string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List or inspect background jobs",
	Long: `List, inspect, watch or cancel background jobs.

Examples:
  codemap jobs list                # List all jobs
  codemap jobs list --kind analysis
  codemap jobs show abc123         # Show details for job abc123
  codemap jobs watch abc123        # Follow a running job`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := apiClient.ListJobs(cmd.Context(), jobsKind)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, jobs)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"ID", "Kind", "Subject", "Status", "Progress", "Started"})
		for _, job := range jobs {
			progress := ""
			if job.Total > 0 {
				progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
			}
			tw.AppendRow(table.Row{job.ID, job.Kind, job.SubjectID, job.Status, progress, job.StartedAt.Format("15:04:05")})
		}
		tw.Render()
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show details for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.GetJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		job, err := apiClient.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if job.Terminal() {
			if err := printJob(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			return outcome(job, nil)
		}
		return followJob(ctx, cmd.OutOrStdout(), apiClient, job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "filter by kind (analysis, requirement)")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsWatchCmd, jobsCancelCmd)
}

func printJob(out io.Writer, job *client.Job) error {
	if jsonOutput {
		return printJSON(out, job)
	}

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Kind: %s\n", job.Kind)
	fmt.Fprintf(out, "  Subject: %s\n", job.SubjectID)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	if job.Total > 0 {
		fmt.Fprintf(out, "  Progress: %d/%d\n", job.Progress, job.Total)
	}
	fmt.Fprintf(out, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if job.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", job.Error)
	}
	if summary := resultSummary(job); summary != "" {
		fmt.Fprintf(out, "\nResult:\n%s", summary)
	}
	return nil
}
