package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server health and runtime statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		health, err := apiClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		snap, err := apiClient.Stats(ctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"health": health, "stats": snap})
		}

		oracle := "disabled"
		if health.Oracle {
			oracle = "enabled"
		}
		uptime := time.Duration(snap.UptimeSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(out, "Server: %s (oracle %s, up %s)\n", health.Status, oracle, uptime)

		if len(snap.Operations) > 0 {
			fmt.Fprintln(out)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Operation", "Count", "Avg ms", "Min ms", "Max ms", "Tokens in", "Tokens out"})
			for _, name := range slices.Sorted(maps.Keys(snap.Operations)) {
				op := snap.Operations[name]
				tw.AppendRow(table.Row{
					name, op.Count, fmt.Sprintf("%.1f", op.AvgTimeMs), op.MinTimeMs, op.MaxTimeMs,
					optional(op.TotalInputTokens), optional(op.TotalOutputTokens),
				})
			}
			tw.Render()
		}
		if len(snap.Counters) > 0 {
			fmt.Fprintln(out)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Counter", "Value"})
			for _, name := range slices.Sorted(maps.Keys(snap.Counters)) {
				tw.AppendRow(table.Row{name, snap.Counters[name]})
			}
			tw.Render()
		}
		return nil
	},
}

func optional(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func printList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(out, "  • %s\n", it)
	}
}

// truncateText shortens s to at most n runes, appending "..." when cut.
func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
