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
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/discovery"
	"github.com/sells-group/coverage-watch/internal/fetcher"
	"github.com/sells-group/coverage-watch/internal/source"
)

var discoverCollectors []string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run discovery collectors and stage new candidates for review",
	Long: "Queries openFDA, PubMed, ClinicalTrials.gov, vendor press feeds and payer policy " +
		"index pages for new tests and policies, scores them and stages the relevant ones.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("discover"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		names := discoverCollectors
		if len(names) == 0 {
			names = cfg.Discovery.Collectors
		}
		f := newFetcher()
		collectors, err := buildCollectors(f, names, knownURLs())
		if err != nil {
			return err
		}

		p := discovery.NewPipeline(discovery.PipelineDeps{
			Collectors: collectors,
			Classifier: buildClassifier(loadRegistry(ctx, f)),
			Stager:     st,
		})
		stats, err := p.Run(ctx)
		if err != nil {
			return err
		}
		formatPipelineStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringSliceVar(&discoverCollectors, "collector", nil,
		"collectors to run: fda, pubmed, clinicaltrials, newsroom, explorer (default from config)")
	rootCmd.AddCommand(discoverCmd)
}

// buildCollectors constructs the named collectors from config.
func buildCollectors(f fetcher.Fetcher, names, known []string) ([]discovery.Collector, error) {
	d := cfg.Discovery
	var out []discovery.Collector
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "fda":
			out = append(out, discovery.NewFDACollector(f, d.LookbackDays))
		case "pubmed":
			out = append(out, discovery.NewPubMedCollector(f, d.SearchTerms, d.LookbackDays,
				time.Duration(d.PubMedDelayMs)*time.Millisecond))
		case "clinicaltrials":
			out = append(out, discovery.NewClinicalTrialsCollector(f, d.SearchTerms, d.TrialTerms))
		case "newsroom":
			companies := make([]discovery.Company, 0, len(d.Companies))
			for _, c := range d.Companies {
				companies = append(companies, discovery.Company{Name: c.Name, FeedURL: c.FeedURL})
			}
			out = append(out, discovery.NewNewsroomCollector(f, companies))
		case "explorer":
			targets := make([]discovery.ExplorerTarget, 0, len(d.IndexPages))
			for _, p := range d.IndexPages {
				targets = append(targets, discovery.ExplorerTarget{PayerID: p.PayerID, IndexURL: p.IndexURL})
			}
			out = append(out, discovery.NewExplorer(targets, known, cfg.Crawl.UserAgent))
		default:
			return nil, eris.Errorf("unknown collector %q", name)
		}
	}
	return out, nil
}

// knownURLs lists the catalog's URLs so the explorer skips monitored pages.
// A missing catalog yields none.
func knownURLs() []string {
	catalog, err := source.LoadCatalog(cfg.Sources.CatalogPath)
	if err != nil {
		zap.L().Debug("no source catalog for explorer", zap.Error(err))
		return nil
	}
	var out []string
	for _, s := range catalog.Sources {
		out = append(out, s.URLs...)
	}
	return out
}

func formatPipelineStats(out io.Writer, s *discovery.PipelineStats) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Discovery (%s)", s.FinishedAt.Sub(s.StartedAt).Round(time.Second)))
	t.AppendHeader(table.Row{"Collector", "Candidates", "Error"})

	names := make([]string, 0, len(s.Collected)+len(s.CollectorErrors))
	for n := range s.Collected {
		names = append(names, n)
	}
	for n := range s.CollectorErrors {
		if _, ok := s.Collected[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		t.AppendRow(table.Row{n, s.Collected[n], truncate(s.CollectorErrors[n], 60)})
	}
	t.Render()

	fmt.Fprintf(out, "duplicates=%d known_tests=%d already_staged=%d irrelevant=%d unclassified=%d staged=%d stage_errors=%d\n",
		s.Normalize.Duplicates, s.Normalize.KnownTests, s.Normalize.AlreadyStaged+s.AlreadyStaged,
		s.Irrelevant, s.Unclassified, s.Staged, s.StageErrors)
	if len(s.OpenBreakers) > 0 {
		fmt.Fprintf(out, "open breakers: %s\n", strings.Join(s.OpenBreakers, ", "))
	}
}
