package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jmoiron/sqlx"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// ErrDenied is returned by check when the principal is not allowed
var ErrDenied = errors.New("permission denied")

// globalOptions hold the persistent flags shared by every command
type globalOptions struct {
	memory   bool
	driver   string
	dsn      string
	logLevel string

	log *logrus.Logger
}

// NewRootCommand creates the wardenctl command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{log: logrus.New()}

	var db config.DatabaseConfig
	_ = envconfig.Process(config.EnvPrefix+"_DB", &db)

	cmd := &cobra.Command{
		Use:   "wardenctl",
		Short: "Operate the warden authorization engine",
		Long: `wardenctl administers warden's permission catalog, role graph and
assignment ledger directly against its database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			opts.log.SetLevel(level)
			opts.log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.memory, "memory", false, "use a throwaway in-memory store seeded with the default ladder")
	flags.StringVar(&opts.driver, "db-driver", db.Driver, "database driver (postgres or sqlite3)")
	flags.StringVar(&opts.dsn, "db-dsn", db.DSN, "database connection string")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newPermissionCommand(opts))
	cmd.AddCommand(newRoleCommand(opts))
	cmd.AddCommand(newAssignCommand(opts))
	cmd.AddCommand(newRevokeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))

	return cmd
}

func (o *globalOptions) openDB(ctx context.Context) (*sqlx.DB, error) {
	if o.memory {
		return nil, fmt.Errorf("this command needs a database; drop --memory")
	}
	if o.driver == "" || o.dsn == "" {
		return nil, fmt.Errorf("--db-driver and --db-dsn are required")
	}
	return rbac.Open(ctx, o.driver, o.dsn)
}

// openService returns an engine over the configured store. Callers close it.
func (o *globalOptions) openService(ctx context.Context) (*rbac.Service, error) {
	if o.memory {
		svc := rbac.NewService(rbac.NewMemoryStore(), rbac.ServiceOptions{})
		seed, err := rbac.DefaultSeed()
		if err != nil {
			return nil, err
		}
		if _, err := svc.Bootstrap(ctx, seed); err != nil {
			return nil, err
		}
		return svc, nil
	}

	db, err := o.openDB(ctx)
	if err != nil {
		return nil, err
	}
	o.log.WithField("driver", o.driver).Debug("connected to database")
	return rbac.NewService(rbac.NewSQLStore(db), rbac.ServiceOptions{}), nil
}

// withService opens the engine for the duration of fn
func (o *globalOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *rbac.Service, out io.Writer) error) error {
	ctx := cmd.Context()
	svc, err := o.openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc, cmd.OutOrStdout())
}
