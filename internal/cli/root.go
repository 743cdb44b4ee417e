// Package cli provides the command-line interface for codemap.
package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codemap/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL  string
	jsonOutput bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "codemap",
	Short: "Map repositories and turn change requirements into recommendations",
	Long: `codemap talks to a codemap server. It submits repositories for structural
analysis, inspects the resulting code maps, and resolves free-text change
requirements into per-tier work items and recommendations.

The server URL defaults to CODEMAP_SERVER_URL, then http://localhost:8585/v1.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "codemap server URL (default $CODEMAP_SERVER_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of tables")

	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(codemapCmd)
	rootCmd.AddCommand(requirementCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statsCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
