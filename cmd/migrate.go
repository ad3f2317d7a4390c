package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-watch/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stdout, "%s schema is up to date\n", cfg.Store.Driver)
		return nil
	},
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy <hashes.json>",
	Short: "Import a flat-file page hash map into an empty store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := store.MigrateLegacy(ctx, st, args[0])
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Fprintf(os.Stdout, "skipped: %s\n", res.Reason)
			return nil
		}
		fmt.Fprintf(os.Stdout, "imported %d page hashes\n", res.Imported)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(migrateLegacyCmd)
}
