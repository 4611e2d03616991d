package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newSeedCommand(opts *globalOptions) *cobra.Command {
	var (
		file  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the permission catalog and role ladder",
		Long: `Installs the built-in 33-permission catalog and 9-role ladder, or the seed
in --file. Existing roles and permissions are kept; only missing ones and
missing grants are added, so re-running a seed is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && file == "" {
				return fmt.Errorf("--watch requires --file")
			}
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				apply := func() error { return applySeed(ctx, svc, file, out) }
				if err := apply(); err != nil {
					return err
				}
				if !watch {
					return nil
				}

				watcher, err := newSeedWatcher(file)
				if err != nil {
					return err
				}
				defer watcher.Close()

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				opts.log.WithField("file", file).Info("watching seed file for changes")
				watchSeed(ctx, watcher, file, opts.log, apply)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML seed file (default: built-in ladder)")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply the seed file whenever it changes")

	return cmd
}

func loadSeedFile(path string) (*rbac.Seed, error) {
	if path == "" {
		return rbac.DefaultSeed()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return rbac.LoadSeed(f)
}

func applySeed(ctx context.Context, svc *rbac.Service, path string, out io.Writer) error {
	seed, err := loadSeedFile(path)
	if err != nil {
		return err
	}
	report, err := svc.Bootstrap(ctx, seed)
	if err != nil {
		return err
	}
	if !report.Changed() {
		fmt.Fprintln(out, "seed already applied, no changes")
		return nil
	}
	fmt.Fprintf(out, "permissions created: %d\nroles created: %d\ngrants added: %d\n",
		report.PermissionsCreated, report.RolesCreated, report.GrantsAdded)
	return nil
}

// newSeedWatcher watches the seed file's directory; editors often replace a
// file by rename, which a watch on the file itself would miss.
func newSeedWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return watcher, nil
}

// watchSeed calls apply for every write or create of path until ctx is done.
// A failed apply is logged and the watch continues.
func watchSeed(ctx context.Context, watcher *fsnotify.Watcher, path string, log *logrus.Logger, apply func() error) {
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.WithField("op", event.Op.String()).Info("seed file changed")
			if err := apply(); err != nil {
				log.WithError(err).Warn("seed not applied")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher error")
		}
	}
}
