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

// metricsRecord mirrors the API's metrics rows.
type metricsRecord struct {
	QueryID      string  `json:"query_id"`
	NaturalQuery string  `json:"natural_query"`
	CacheStatus  string  `json:"cache_status"`
	RowCount     int     `json:"row_count"`
	TotalTimeMs  float64 `json:"total_time_ms"`
	Success      bool    `json:"success"`
	CreatedAt    string  `json:"created_at"`
}

// newMetricsCmd creates the metrics subcommand.
func newMetricsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show recent request metrics",
		Long: `Metrics lists the most recent requests with their cache status, latency,
and outcome. Useful for watching cache hit rates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			client := newAPIClient()
			var resp struct {
				Metrics []metricsRecord `json:"metrics"`
				Count   int             `json:"count"`
			}
			if err := client.get(ctx, fmt.Sprintf("/api/metrics/recent?limit=%d", limit), &resp); err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			if resp.Count == 0 {
				fmt.Println("No metrics recorded yet.")
				return nil
			}

			hits := 0
			for _, m := range resp.Metrics {
				if m.CacheStatus != "miss" {
					hits++
				}
			}
			fmt.Printf("Recent requests: %d (cache hits: %d)\n\n", resp.Count, hits)

			for _, m := range resp.Metrics {
				marker := color.New(color.FgGreen).Sprint("✓")
				if !m.Success {
					marker = color.New(color.FgRed).Sprint("✗")
				}
				query := m.NaturalQuery
				if len(query) > 60 {
					query = query[:57] + "..."
				}
				fmt.Printf("%s %-12s %6.0fms %4d rows  %s\n",
					marker, m.CacheStatus, m.TotalTimeMs, m.RowCount, query)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")

	return cmd
}
