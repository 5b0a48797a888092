package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipeflow/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var flags storeFlags

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			writeDB, err := db.Open(cfg.DBPath, db.ModeWrite, 0)
			if err != nil {
				return err
			}
			defer writeDB.Close() //nolint:errcheck

			if err := db.RunMigrations(writeDB); err != nil {
				return err
			}
			v, err := db.MigrationVersion(writeDB)
			if err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"db": cfg.DBPath, "version": v})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s at migration version %d\n", cfg.DBPath, v)
			return nil
		},
	}

	flags.bind(cmd.Flags(), false)
	return cmd
}
