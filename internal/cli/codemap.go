package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var codemapCmd = &cobra.Command{
	Use:     "codemap",
	Aliases: []string{"map"},
	Short:   "Inspect the structural map of a repository",
}

var codemapListCmd = &cobra.Command{
	Use:   "list <repository-id>",
	Short: "List the structural records of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := apiClient.CodeMaps(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list code maps: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, records)
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No structural records found")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"File", "Kind", "Lines", "Functions", "Types", "Dependencies", "Annotated"})
		for _, r := range records {
			annotated := "no"
			if r.Annotation != nil && r.Annotation.Available {
				annotated = "yes"
			}
			tw.AppendRow(table.Row{
				r.FilePath,
				r.FileKind,
				r.Summary.LineCount,
				len(r.Summary.Functions),
				len(r.Summary.Types),
				strings.Join(r.Summary.Dependencies, ", "),
				annotated,
			})
		}
		tw.Render()
		return nil
	},
}

var codemapSummaryCmd = &cobra.Command{
	Use:   "summary <repository-id>",
	Short: "Show aggregate counts for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient.CodeMapSummary(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get code map summary: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, s)
		}

		fmt.Fprintf(out, "Repository: %s\n", s.RepositoryID)
		fmt.Fprintf(out, "  Files: %d\n", s.TotalFiles)
		fmt.Fprintf(out, "  Functions: %d\n", s.TotalFunctions)
		fmt.Fprintf(out, "  Types: %d\n", s.TotalTypes)
		fmt.Fprintf(out, "  Lines: %d\n", s.TotalLines)
		if len(s.FileTypes) > 0 {
			fmt.Fprintln(out)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Kind", "Files"})
			for _, kind := range slices.Sorted(maps.Keys(s.FileTypes)) {
				tw.AppendRow(table.Row{kind, s.FileTypes[kind]})
			}
			tw.Render()
		}
		return nil
	},
}

func init() {
	codemapCmd.AddCommand(codemapListCmd, codemapSummaryCmd)
}
