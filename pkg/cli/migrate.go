package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := rbac.RunMigrations(ctx, db, observability.NopLogger())
			if err != nil {
				return err
			}
			opts.log.WithFields(map[string]interface{}{
				"driver":  opts.driver,
				"applied": applied,
				"known":   len(rbac.Migrations(opts.driver)),
			}).Info("migrations complete")
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
}
