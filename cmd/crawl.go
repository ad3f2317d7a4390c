package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/crawl"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/source"
)

var (
	crawlSources  []string
	crawlCatalog  string
	crawlListOnly bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the source catalog and record document changes",
	Long: "Fetches every URL in the source catalog with one worker per source type, detects " +
		"page and document changes, classifies high-value changes and stores coverage assertions.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("crawl"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := crawlCatalog
		if path == "" {
			path = cfg.Sources.CatalogPath
		}
		catalog, err := source.LoadCatalog(path)
		if err != nil {
			return err
		}
		sources := catalog.Filter(crawlSources...)
		if len(sources) == 0 {
			return eris.Errorf("no sources match %v", crawlSources)
		}
		if crawlListOnly {
			formatSources(os.Stdout, sources)
			return nil
		}

		minPriority, err := model.ParsePriority(strings.ToLower(cfg.Crawl.MinAnalyzePriority))
		if err != nil {
			return err
		}
		canon, err := buildCanonicalizer()
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		m := metrics.Default()
		tracker := health.NewTracker(st, cfg.Crawl.FailureThreshold)
		registry := loadRegistry(ctx, newFetcher())

		runner := crawl.NewRunner(crawl.RunnerDeps{
			NewExecutor: executorFactory(st, tracker, canon, m),
			Store:       st,
			Classifier:  buildClassifier(registry),
			Assertions:  coverage.NewReconciler(st),
			Metrics:     m,
		}, crawl.RunnerOptions{MinAnalyzePriority: minPriority})

		summary, err := runner.Run(ctx, sources)
		if err != nil {
			return err
		}
		formatRunSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringSliceVar(&crawlSources, "source", nil, "source ids or types to crawl (default all)")
	crawlCmd.Flags().StringVar(&crawlCatalog, "catalog", "", "source catalog path (default from config)")
	crawlCmd.Flags().BoolVar(&crawlListOnly, "list", false, "list matching sources without crawling")
	rootCmd.AddCommand(crawlCmd)
}

func formatSources(out io.Writer, sources []source.Source) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Type", "Payer", "Page Type", "URLs", "Render"})
	for _, s := range sources {
		t.AppendRow(table.Row{s.ID, s.Type, s.PayerID, s.PageType, len(s.URLs), s.Render})
	}
	t.Render()
}

// formatRunSummary writes per-source-type stats followed by totals.
func formatRunSummary(out io.Writer, r *model.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Run %s (%s)", truncateID(r.RunID), r.FinishedAt.Sub(r.StartedAt).Round(time.Second)))
	t.AppendHeader(table.Row{"Source Type", "Processed", "Succeeded", "Changed", "First", "Skipped", "Failed", "High", "Assertions"})

	types := make([]string, 0, len(r.Sources))
	for k := range r.Sources {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		s := r.Sources[k]
		t.AppendRow(table.Row{k, s.Processed, s.Succeeded, s.Changed, s.FirstCrawls, s.Skipped, s.Failed, s.HighPriority, s.AssertionsSaved})
	}
	tot := r.Totals()
	t.AppendFooter(table.Row{"Total", tot.Processed, tot.Succeeded, tot.Changed, tot.FirstCrawls, tot.Skipped, tot.Failed, tot.HighPriority, tot.AssertionsSaved})
	t.Render()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
