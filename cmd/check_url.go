package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/crawl"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	checkSourceID string
	checkPageType string
	checkRender   bool
	checkFallback bool
)

var checkURLCmd = &cobra.Command{
	Use:   "check-url <url>",
	Short: "Fetch one URL and report whether its page content changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		canon, err := buildCanonicalizer()
		if err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tracker := health.NewTracker(st, cfg.Crawl.FailureThreshold)
		exec := executorFactory(st, tracker, canon, metrics.Default())()
		defer exec.Close()

		rawURL := args[0]
		res, err := exec.FetchWith(ctx, rawURL, crawl.FetchHints{
			SourceID:      checkSourceID,
			Render:        checkRender,
			ForceFallback: checkFallback,
		})
		if err != nil {
			return err
		}
		change, err := exec.DetectChange(ctx, rawURL, res.RawText, model.HashKey(checkSourceID, checkPageType, rawURL))
		if err != nil {
			return err
		}
		return writeCheckReport(os.Stdout, res, change)
	},
}

type checkReport struct {
	URL       string                `json:"url"`
	FinalURL  string                `json:"final_url"`
	Title     string                `json:"title,omitempty"`
	Transport string                `json:"transport"`
	Attempts  int                   `json:"attempts"`
	Chars     int                   `json:"content_chars"`
	Extracted model.ExtractedFields `json:"extracted"`
	Change    *crawl.ChangeResult   `json:"change"`
}

func writeCheckReport(out io.Writer, res *crawl.FetchResult, change *crawl.ChangeResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(checkReport{
		URL:       res.URL,
		FinalURL:  res.FinalURL,
		Title:     res.Title,
		Transport: res.Transport,
		Attempts:  res.Attempts,
		Chars:     len([]rune(res.Content)),
		Extracted: res.Extracted,
		Change:    change,
	})
}

func init() {
	checkURLCmd.Flags().StringVar(&checkSourceID, "source", "adhoc", "source id used in the page hash key")
	checkURLCmd.Flags().StringVar(&checkPageType, "page-type", "page", "page type used in the page hash key")
	checkURLCmd.Flags().BoolVar(&checkRender, "render", false, "render with the headless browser (requires crawl.render_enabled)")
	checkURLCmd.Flags().BoolVar(&checkFallback, "fallback", false, "force the HTTP/1.1 fallback transport")
	rootCmd.AddCommand(checkURLCmd)
}
