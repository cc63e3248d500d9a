package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// askResult mirrors the API's query response.
type askResult struct {
	QueryID      string           `json:"query_id"`
	NaturalQuery string           `json:"natural_query"`
	CacheStatus  string           `json:"cache_status"`
	SQL          string           `json:"generated_sql"`
	Rows         []map[string]any `json:"rows"`
	RowCount     int              `json:"row_count"`
	Truncated    bool             `json:"truncated"`
	Explanation  *string          `json:"explanation,omitempty"`
	TotalTimeMs  float64          `json:"total_time_ms"`
}

// newAskCmd creates the ask subcommand.
func newAskCmd() *cobra.Command {
	var noExplanation bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a natural-language question",
		Long: `Ask sends a question to the query engine, which translates it into SQL,
runs it read-only, and returns the rows. Repeated questions are served
from the query cache.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			var sp *spinner.Spinner
			if !outputJSON && isTerminal() {
				sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				sp.Suffix = " translating and running your question..."
				sp.Start()
			}

			client := newAPIClient()
			includeExplanation := !noExplanation
			var result askResult
			err := client.post(ctx, "/api/query", map[string]any{
				"query":               question,
				"include_explanation": includeExplanation,
			}, &result)

			if sp != nil {
				sp.Stop()
			}
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printAskResult(&result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noExplanation, "no-explanation", false, "skip the plain-language explanation")

	return cmd
}

func printAskResult(result *askResult) {
	statusColor := color.New(color.FgYellow)
	if strings.HasPrefix(result.CacheStatus, "hit") {
		statusColor = color.New(color.FgGreen)
	}

	fmt.Println()
	statusColor.Printf("● %s", result.CacheStatus)
	fmt.Printf("  (%.0fms, query_id %s)\n\n", result.TotalTimeMs, result.QueryID)

	color.New(color.FgCyan, color.Bold).Println("SQL")
	fmt.Printf("  %s\n\n", strings.ReplaceAll(result.SQL, "\n", "\n  "))

	if result.Explanation != nil && *result.Explanation != "" {
		color.New(color.FgCyan, color.Bold).Println("Explanation")
		fmt.Printf("  %s\n\n", *result.Explanation)
	}

	color.New(color.FgCyan, color.Bold).Printf("Rows (%d", result.RowCount)
	if result.Truncated {
		color.New(color.FgCyan, color.Bold).Print(", truncated")
	}
	color.New(color.FgCyan, color.Bold).Println(")")

	printRows(result.Rows)
}

func printRows(rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Println("  (no rows)")
		return
	}

	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	widths := make([]int, len(cols))
	cells := make([][]string, len(rows))
	for i, col := range cols {
		widths[i] = len(col)
	}
	for r, row := range rows {
		cells[r] = make([]string, len(cols))
		for i, col := range cols {
			cell := fmt.Sprintf("%v", row[col])
			if len(cell) > 40 {
				cell = cell[:37] + "..."
			}
			cells[r][i] = cell
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := "  "
	for i, col := range cols {
		header += fmt.Sprintf("%-*s  ", widths[i], col)
	}
	color.New(color.Bold).Println(header)

	for _, row := range cells {
		line := "  "
		for i, cell := range row {
			line += fmt.Sprintf("%-*s  ", widths[i], cell)
		}
		fmt.Println(line)
	}
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
