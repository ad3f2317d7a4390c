package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	discoveriesStatus string
	discoveriesLimit  int
)

var discoveriesCmd = &cobra.Command{
	Use:   "discoveries",
	Short: "List staged discoveries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status := model.DiscoveryStatus(discoveriesStatus)
		if !status.Valid() {
			return eris.Errorf("unknown status %q", discoveriesStatus)
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out, err := st.ListDiscoveries(ctx, status, discoveriesLimit)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Fprintf(os.Stderr, "No %s discoveries.\n", status)
			return nil
		}
		formatDiscoveries(os.Stdout, out)
		return nil
	},
}

var (
	discoveryReviewStatus   string
	discoveryReviewReviewer string
	discoveryReviewNotes    string
)

var discoveriesReviewCmd = &cobra.Command{
	Use:   "review <discovery-id>",
	Short: "Approve, reject or ignore a staged discovery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.DiscoveryStatus(discoveryReviewStatus)
		if !status.Valid() || status == model.DiscoveryPending {
			return eris.Errorf("status must be approved, rejected or ignored, got %q", discoveryReviewStatus)
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.ReviewDiscovery(ctx, args[0], status, discoveryReviewReviewer, discoveryReviewNotes); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "discovery %s marked %s\n", args[0], status)
		return nil
	},
}

func init() {
	discoveriesCmd.Flags().StringVar(&discoveriesStatus, "status", string(model.DiscoveryPending), "pending, approved, rejected or ignored")
	discoveriesCmd.Flags().IntVar(&discoveriesLimit, "limit", 50, "max number of discoveries to display")

	discoveriesReviewCmd.Flags().StringVar(&discoveryReviewStatus, "status", "", "approved, rejected or ignored")
	discoveriesReviewCmd.Flags().StringVar(&discoveryReviewReviewer, "reviewer", "", "who made the decision")
	discoveriesReviewCmd.Flags().StringVar(&discoveryReviewNotes, "notes", "", "review notes")
	_ = discoveriesReviewCmd.MarkFlagRequired("status")
	_ = discoveriesReviewCmd.MarkFlagRequired("reviewer")

	discoveriesCmd.AddCommand(discoveriesReviewCmd)
	rootCmd.AddCommand(discoveriesCmd)
}

func formatDiscoveries(out io.Writer, ds []model.StagedDiscovery) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Source", "Payer", "Title", "URL", "Confidence", "Created"})
	for _, d := range ds {
		t.AppendRow(table.Row{
			d.DiscoveryID,
			d.Source,
			d.PayerID,
			truncate(d.Title, 50),
			truncate(d.URL, 70),
			fmt.Sprintf("%.2f", d.Confidence),
			d.CreatedAt.Format("2006-01-02"),
		})
	}
	t.Render()
}
