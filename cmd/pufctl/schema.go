package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pufkey/internal/store"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show or roll back the SQLite store's schema migrations",
	Long: `Schema lists applied and pending migrations of the SQLite store. With
--rollback it reverts the newest migration, which is needed before handing
the database to an older pufctl. The next regular command migrates it
forward again.`,
	Args: cobra.NoArgs,
	RunE: schemaCmdRun,
}

type schemaFlags struct {
	rollback bool
}

var schemaArgs schemaFlags

func init() {
	schemaCmd.Flags().BoolVar(&schemaArgs.rollback, "rollback", false,
		"Revert the newest applied migration.")
	rootCmd.AddCommand(schemaCmd)
}

func schemaCmdRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	db, ok := s.store.(*store.SQLite)
	if !ok {
		return fmt.Errorf("schema migrations apply to the sqlite backend, store is %s", s.cfg.Store.Backend)
	}

	status, err := store.GetMigrationStatus(db.DB())
	if err != nil {
		return err
	}
	if schemaArgs.rollback {
		// v1 holds the records themselves
		if status.CurrentVersion <= 1 {
			return fmt.Errorf("refusing to roll back the base schema (v%d)", status.CurrentVersion)
		}
		if err := store.RollbackMigration(db.DB()); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		if status, err = store.GetMigrationStatus(db.DB()); err != nil {
			return err
		}
	}
	s.printf("schema: v%d of v%d\n", status.CurrentVersion, status.LatestVersion)

	w := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tDESCRIPTION")
	for _, m := range status.Applied {
		fmt.Fprintf(w, "%d\tapplied %s\t%s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(w, "%d\tpending\t%s\n", m.Version, m.Description)
	}
	return w.Flush()
}
