package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/rbac"
)

type checkOptions struct {
	any       bool
	superuser bool
	role      string
	minLevel  int
	jsonOut   bool
}

func newCheckCommand(opts *globalOptions) *cobra.Command {
	var co checkOptions

	cmd := &cobra.Command{
		Use:   "check PRINCIPAL [PERMISSION...]",
		Short: "Check what a principal is allowed to do",
		Long: `Checks PRINCIPAL against the listed permissions (all of them, or any with
--any), plus --role and --min-level when given. Every condition must hold.
Prints allowed or denied; a denial exits non-zero.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := args[1:]
			if len(perms) == 0 && co.role == "" && !cmd.Flags().Changed("min-level") {
				return fmt.Errorf("nothing to check: give a permission, --role or --min-level")
			}
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				p := rbac.Principal{ID: args[0], Superuser: co.superuser}
				allowed, err := runCheck(ctx, svc.Checker, p, perms, co, cmd.Flags().Changed("min-level"))
				if err != nil {
					return err
				}
				if co.jsonOut {
					if err := writeJSON(out, rbac.CheckResponse{PrincipalID: p.ID, Allowed: allowed}); err != nil {
						return err
					}
				} else if allowed {
					fmt.Fprintln(out, "allowed")
				} else {
					fmt.Fprintln(out, "denied")
				}
				if !allowed {
					return ErrDenied
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&co.any, "any", false, "allow when any one permission is held")
	cmd.Flags().BoolVar(&co.superuser, "superuser", false, "check as a superuser, which bypasses permission and level checks")
	cmd.Flags().StringVar(&co.role, "role", "", "also require an effective assignment of this role")
	cmd.Flags().IntVar(&co.minLevel, "min-level", 0, "also require at least this role level")
	cmd.Flags().BoolVar(&co.jsonOut, "json", false, "output as JSON")

	return cmd
}

func runCheck(ctx context.Context, c *rbac.PermissionChecker, p rbac.Principal, perms []string, co checkOptions, levelSet bool) (bool, error) {
	if len(perms) > 0 {
		var (
			ok  bool
			err error
		)
		switch {
		case len(perms) == 1:
			ok, err = c.HasPermission(ctx, p, perms[0])
		case co.any:
			ok, err = c.HasAnyPermission(ctx, p, perms)
		default:
			ok, err = c.HasAllPermissions(ctx, p, perms)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	if co.role != "" {
		ok, err := c.HasRole(ctx, p.ID, co.role)
		if err != nil || !ok {
			return false, err
		}
	}
	if levelSet {
		ok, err := c.MeetsMinimumLevel(ctx, p, co.minLevel)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
