package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newFeedbackCmd creates the feedback subcommand.
func newFeedbackCmd() *cobra.Command {
	var (
		queryID      string
		accurate     bool
		comments     string
		correctedSQL string
	)

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Attach feedback to a past query",
		Long: `Feedback records whether a generated query answered the question, and
optionally a corrected SQL statement. Use the query_id printed by ask.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("accurate") {
				return fmt.Errorf("--accurate=true|false is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			body := map[string]any{
				"query_id":    queryID,
				"is_accurate": accurate,
			}
			if comments != "" {
				body["comments"] = comments
			}
			if correctedSQL != "" {
				body["corrected_sql"] = correctedSQL
			}

			client := newAPIClient()
			var resp map[string]string
			if err := client.post(ctx, "/api/feedback", body, &resp); err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			color.New(color.FgGreen).Printf("✓ Feedback recorded for %s\n", queryID)
			return nil
		},
	}

	cmd.Flags().StringVar(&queryID, "query-id", "", "query ID from a previous ask (required)")
	cmd.Flags().BoolVar(&accurate, "accurate", false, "whether the generated query was accurate (required)")
	cmd.Flags().StringVar(&comments, "comments", "", "free-form feedback text")
	cmd.Flags().StringVar(&correctedSQL, "corrected-sql", "", "corrected SQL statement")

	_ = cmd.MarkFlagRequired("query-id")

	return cmd
}

// newSchemaCmd creates the schema subcommand.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show the schema the engine generates against",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			client := newAPIClient()
			var snap struct {
				SchemaName string `json:"schema_name"`
				Tables     []struct {
					Name        string `json:"name"`
					Description string `json:"description,omitempty"`
					Columns     []struct {
						Name        string `json:"name"`
						DataType    string `json:"data_type"`
						Description string `json:"description,omitempty"`
					} `json:"columns"`
				} `json:"tables"`
			}
			if err := client.get(ctx, "/api/schema", &snap); err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Printf("Schema: %s (%d tables)\n\n", snap.SchemaName, len(snap.Tables))
			for _, t := range snap.Tables {
				color.New(color.FgCyan, color.Bold).Printf("%s", t.Name)
				if t.Description != "" {
					fmt.Printf("  %s", t.Description)
				}
				fmt.Println()
				for _, c := range t.Columns {
					fmt.Printf("  %-30s %s\n", c.Name, c.DataType)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
