package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/model"
)

var healthThreshold int

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "List URLs that keep failing and are skipped by the crawler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := health.NewTracker(st, cfg.Crawl.FailureThreshold).UnhealthyURLs(ctx, healthThreshold)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No unhealthy URLs.")
			return nil
		}
		formatHealth(os.Stdout, recs)
		return nil
	},
}

func init() {
	healthCmd.Flags().IntVar(&healthThreshold, "threshold", 0, "consecutive failures to list (default crawl.failure_threshold)")
	rootCmd.AddCommand(healthCmd)
}

func formatHealth(out io.Writer, recs []model.URLHealthRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"URL", "Source", "Consecutive", "Total Failures", "Last Success", "Last Error"})
	for _, r := range recs {
		t.AppendRow(table.Row{
			r.URL,
			r.SourceID,
			r.ConsecutiveFailures,
			r.TotalFailures,
			formatTime(r.LastSuccess),
			truncate(r.LastError, 60),
		})
	}
	t.Render()
}
