// Package main provides the query engine CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	apiURL     string
	outputJSON bool
	timeoutSec int
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "query-engine-cli",
	Short: "Ask the eligibility database questions in plain English",
	Long: `query-engine-cli talks to a running query engine API.

Use this tool to:
- Ask natural-language questions and see the generated SQL and rows
- Submit feedback or corrected SQL for past queries
- Inspect the schema the engine generates against
- Review recent request metrics and cache behavior

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if v := os.Getenv("QUERY_ENGINE_URL"); v != "" && !cmd.Flags().Changed("api-url") {
			apiURL = v
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8000", "query engine API base URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().IntVar(&timeoutSec, "timeout", 90, "request timeout in seconds")

	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newFeedbackCmd())
	rootCmd.AddCommand(newSchemaCmd())
	rootCmd.AddCommand(newMetricsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("query-engine-cli v0.1.0")
		},
	}
}
