package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codemap/internal/models"
)

var requirementCmd = &cobra.Command{
	Use:     "requirement",
	Aliases: []string{"req"},
	Short:   "Resolve change requirements against a repository",
}

var requirementAddCmd = &cobra.Command{
	Use:   "add <repository-id> <prompt>",
	Short: "Submit a change requirement",
	Long: `Submit a free-text change requirement. The server maps it onto the
repository's structural records, splits it into per-tier work items and
produces recommendations.

Examples:
  codemap requirement add 3f2a... "Add a last_login column and show it on the profile page"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		prompt := strings.Join(args[1:], " ")
		sub, err := apiClient.SubmitRequirement(ctx, args[0], prompt)
		if err != nil {
			return fmt.Errorf("submit requirement: %w", err)
		}
		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Requirement %s submitted (job %s)\n", sub.Requirement.ID, sub.Job.ID)
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

var requirementListCmd = &cobra.Command{
	Use:   "list <repository-id>",
	Short: "List the requirements of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := apiClient.ListRequirements(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list requirements: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, reqs)
		}
		if len(reqs) == 0 {
			fmt.Fprintln(out, "No requirements found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"ID", "Status", "Prompt", "Created"})
		for _, r := range reqs {
			tw.AppendRow(table.Row{r.ID, r.Status, truncateText(r.Prompt, 60), r.CreatedAt.Format(time.DateTime)})
		}
		tw.Render()
		return nil
	},
}

var requirementShowCmd = &cobra.Command{
	Use:   "show <requirement-id>",
	Short: "Show a requirement and its resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := apiClient.GetRequirement(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get requirement: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, req)
		}

		fmt.Fprintf(out, "Requirement: %s\n", req.ID)
		fmt.Fprintf(out, "  Repository: %s\n", req.RepositoryID)
		fmt.Fprintf(out, "  Status: %s\n", req.Status)
		fmt.Fprintf(out, "  Prompt: %s\n", req.Prompt)
		if req.ResolvedAt != nil {
			fmt.Fprintf(out, "  Resolved: %s\n", req.ResolvedAt.Format(time.RFC3339))
		}
		if req.Analysis != nil {
			fmt.Fprintf(out, "\nAnalysis:\n  %s\n", *req.Analysis)
		}
		if req.AffectedComponents != nil {
			fmt.Fprintln(out, "\nAffected components:")
			for _, tier := range models.Tiers {
				comps := req.AffectedComponents[tier]
				if len(comps) == 0 {
					fmt.Fprintf(out, "  %s: -\n", tier)
					continue
				}
				fmt.Fprintf(out, "  %s: %s\n", tier, strings.Join(comps, ", "))
			}
		}
		printList(out, "Dependencies", req.Dependencies)
		printList(out, "Suggestions", req.Suggestions)
		return nil
	},
}

var requirementWorkItemsCmd = &cobra.Command{
	Use:   "work-items <requirement-id>",
	Short: "List the work items of a requirement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := apiClient.WorkItems(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list work items: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No work items found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"ID", "Tier", "Status", "Components", "Recommendations", "Error"})
		for _, it := range items {
			var recs, errText string
			if it.Output != nil {
				recs = fmt.Sprintf("%d", it.Output.Recommendations)
				errText = it.Output.Error
			}
			tw.AppendRow(table.Row{it.ID, it.Tier, it.Status, strings.Join(it.Input.Components, ", "), recs, errText})
		}
		tw.Render()
		return nil
	},
}

var requirementRecommendationsCmd = &cobra.Command{
	Use:     "recommendations <requirement-id>",
	Aliases: []string{"recs"},
	Short:   "List the recommendations produced for a requirement",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := apiClient.Recommendations(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list recommendations: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "No recommendations found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"Tier", "File", "Change", "Confidence", "Rationale"})
		for _, r := range recs {
			tw.AppendRow(table.Row{r.Tier, r.FilePath, r.ChangeKind, fmt.Sprintf("%.2f", r.Confidence), truncateText(r.Rationale, 60)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	requirementAddCmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission instead of following the job")

	requirementCmd.AddCommand(
		requirementAddCmd,
		requirementListCmd,
		requirementShowCmd,
		requirementWorkItemsCmd,
		requirementRecommendationsCmd,
	)
}
