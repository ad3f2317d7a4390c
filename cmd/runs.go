package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent crawl run summaries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRunSummaries(ctx, runsLimit)
		if err != nil {
			return err
		}
		if runsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max number of runs to display")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print full summaries as JSON")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes one row per run with totals across source types.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Started", "Duration", "Processed", "Changed", "High", "Skipped", "Failed"})
	for _, r := range runs {
		tot := r.Totals()
		t.AppendRow(table.Row{
			truncateID(r.RunID),
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
			tot.Processed,
			tot.Changed,
			tot.HighPriority,
			tot.Skipped,
			tot.Failed,
		})
	}
	t.Render()
}
