package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/coverage"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List payer/test pairs whose pending assertions disagree",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		groups, err := coverage.NewReconciler(st).Conflicts(ctx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Fprintln(os.Stderr, "No conflicts.")
			return nil
		}
		formatConflicts(os.Stdout, groups)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
}

func formatConflicts(out io.Writer, groups []coverage.ConflictGroup) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Payer", "Test", "Statuses", "Assertion", "Layer", "Status", "Source Policy"})
	for _, g := range groups {
		statuses := make([]string, len(g.Statuses))
		for i, s := range g.Statuses {
			statuses[i] = string(s)
		}
		for i, a := range g.Assertions {
			payer, test, joined := "", "", ""
			if i == 0 {
				payer, test, joined = g.PayerID, g.TestID, strings.Join(statuses, ", ")
			}
			t.AppendRow(table.Row{payer, test, joined, truncateID(a.AssertionID), a.Layer, a.Status, a.SourcePolicyID})
		}
		t.AppendSeparator()
	}
	t.Render()
}
