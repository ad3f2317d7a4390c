package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	assertionsTest    string
	assertionsPending bool
	assertionsJSON    bool
)

var assertionsCmd = &cobra.Command{
	Use:   "assertions",
	Short: "List coverage assertions for a test, most binding layer first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if assertionsTest == "" && !assertionsPending {
			return eris.New("--test or --pending is required")
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := coverage.NewReconciler(st)
		var out []model.CoverageAssertion
		if assertionsPending {
			out, err = rec.Pending(ctx)
		} else {
			out, err = rec.AssertionsForTest(ctx, assertionsTest)
		}
		if err != nil {
			return err
		}

		if assertionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		if len(out) == 0 {
			fmt.Fprintln(os.Stderr, "No assertions found.")
			return nil
		}
		formatAssertions(os.Stdout, out)
		return nil
	},
}

var (
	reviewStatus   string
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review <assertion-id>",
	Short: "Record a review decision on a coverage assertion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := coverage.NewReconciler(st).Review(ctx, args[0], model.ReviewStatus(reviewStatus), reviewReviewer); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "assertion %s marked %s by %s\n", args[0], reviewStatus, reviewReviewer)
		return nil
	},
}

func init() {
	assertionsCmd.Flags().StringVar(&assertionsTest, "test", "", "test id to list")
	assertionsCmd.Flags().BoolVar(&assertionsPending, "pending", false, "list every assertion awaiting review")
	assertionsCmd.Flags().BoolVar(&assertionsJSON, "json", false, "print JSON instead of a table")

	reviewCmd.Flags().StringVar(&reviewStatus, "status", "", "approved, rejected, needs_review or pending")
	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "who made the decision")
	_ = reviewCmd.MarkFlagRequired("status")
	_ = reviewCmd.MarkFlagRequired("reviewer")

	rootCmd.AddCommand(assertionsCmd)
	rootCmd.AddCommand(reviewCmd)
}

func formatAssertions(out io.Writer, as []model.CoverageAssertion) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Payer", "Test", "Layer", "Status", "Confidence", "Review", "Source Policy", "Effective"})
	for _, a := range as {
		t.AppendRow(table.Row{
			a.AssertionID,
			a.PayerID,
			a.TestID,
			a.Layer,
			a.Status,
			fmt.Sprintf("%.2f", a.Confidence),
			a.ReviewStatus,
			a.SourcePolicyID,
			a.EffectiveDate,
		})
	}
	t.Render()
}
