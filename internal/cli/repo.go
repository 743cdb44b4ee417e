package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codemap/internal/client"
)

var noWait bool

var repoCmd = &cobra.Command{
	Use:     "repo",
	Aliases: []string{"repos", "repository"},
	Short:   "Submit and inspect repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <name> <source-url>",
	Short: "Submit a repository and start its analysis",
	Long: `Submit a repository for structural analysis. The source may be a git URL or
a local directory readable by the server.

Examples:
  codemap repo add api https://github.com/acme/api.git
  codemap repo add local ./services/billing --no-wait`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sub, err := apiClient.SubmitRepository(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("submit repository: %w", err)
		}
		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Repository %s submitted (job %s)\n", sub.Repository.ID, sub.Job.ID)
		}
		if noWait {
			if jsonOutput {
				return printJSON(out, sub)
			}
			return nil
		}
		return followJob(ctx, out, apiClient, &sub.Job)
	},
}

var repoListStatus string

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := apiClient.ListRepositories(cmd.Context(), repoListStatus)
		if err != nil {
			return fmt.Errorf("list repositories: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, repos)
		}
		if len(repos) == 0 {
			fmt.Fprintln(out, "No repositories found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"ID", "Name", "Status", "Source", "Created"})
		for _, r := range repos {
			tw.AppendRow(table.Row{r.ID, r.Name, r.Status, r.SourceURL, r.CreatedAt.Format(time.DateTime)})
		}
		tw.Render()
		return nil
	},
}

var repoShowCmd = &cobra.Command{
	Use:   "show <repository-id>",
	Short: "Show a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := apiClient.GetRepository(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get repository: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, repo)
		}
		fmt.Fprintf(out, "Repository: %s\n", repo.ID)
		fmt.Fprintf(out, "  Name: %s\n", repo.Name)
		fmt.Fprintf(out, "  Source: %s\n", repo.SourceURL)
		fmt.Fprintf(out, "  Status: %s\n", repo.Status)
		fmt.Fprintf(out, "  Created: %s\n", repo.CreatedAt.Format(time.RFC3339))
		if repo.AnalysisCompletedAt != nil {
			fmt.Fprintf(out, "  Analysis completed: %s\n", repo.AnalysisCompletedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var repoAnalyzeCmd = &cobra.Command{
	Use:   "analyze <repository-id>",
	Short: "Re-run the analysis of a repository",
	Long: `Start a new analysis run. Records from earlier runs are kept; the run is
rejected while another analysis of the same repository is active.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		job, err := apiClient.Reanalyze(ctx, args[0])
		if err != nil {
			if client.IsConflict(err) {
				return fmt.Errorf("repository %s is already being analyzed", args[0])
			}
			return fmt.Errorf("start analysis: %w", err)
		}
		out := cmd.OutOrStdout()
		if noWait {
			return printJob(out, job)
		}
		return followJob(ctx, out, apiClient, job)
	},
}

var repoCancelCmd = &cobra.Command{
	Use:   "cancel <repository-id>",
	Short: "Cancel the active analysis of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.CancelRepository(cmd.Context(), args[0])
		if err != nil {
			if client.IsNotFound(err) {
				return fmt.Errorf("no active analysis for repository %s", args[0])
			}
			return fmt.Errorf("cancel analysis: %w", err)
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

func init() {
	repoAddCmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission instead of following the job")
	repoAnalyzeCmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission instead of following the job")
	repoListCmd.Flags().StringVar(&repoListStatus, "status", "", "filter by status (pending, analyzing, completed, failed)")

	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoShowCmd, repoAnalyzeCmd, repoCancelCmd)
}
