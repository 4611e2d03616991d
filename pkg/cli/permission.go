package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newPermissionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permission",
		Aliases: []string{"perm"},
		Short:   "Manage the permission catalog",
	}

	cmd.AddCommand(newPermissionListCommand(opts))
	cmd.AddCommand(newPermissionCreateCommand(opts))

	return cmd
}

func newPermissionListCommand(opts *globalOptions) *cobra.Command {
	var (
		jsonOutput      bool
		includeInactive bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List permissions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				perms, err := svc.Catalog.ListPermissions(ctx, includeInactive)
				if err != nil {
					return fmt.Errorf("list permissions: %w", err)
				}
				if jsonOutput {
					return writeJSON(out, perms)
				}

				fmt.Fprintf(out, "%-28s %-10s %-8s %s\n", "NAME", "CATEGORY", "ACTIVE", "DESCRIPTION")
				for _, p := range perms {
					fmt.Fprintf(out, "%-28s %-10s %-8s %s\n", p.Name, p.Category, yesNo(p.Active), truncate(p.Description, 50))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&includeInactive, "inactive", false, "include inactive permissions")

	return cmd
}

func newPermissionCreateCommand(opts *globalOptions) *cobra.Command {
	var in rbac.CreatePermissionInput

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a permission (resource.action)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				p, err := svc.Catalog.CreatePermission(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "created permission %s (id %d)\n", p.Name, p.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Category, "category", "", "permission category (user, content, analytics, settings, billing, support, api, admin)")
	cmd.Flags().StringVar(&in.Description, "description", "", "human readable description")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}
