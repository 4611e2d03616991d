package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newRoleCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage roles and the inheritance graph",
	}

	cmd.AddCommand(newRoleListCommand(opts))
	cmd.AddCommand(newRoleCreateCommand(opts))
	cmd.AddCommand(newRoleShowCommand(opts))
	cmd.AddCommand(newRoleSetParentCommand(opts))
	cmd.AddCommand(newRoleGrantCommand(opts, true))
	cmd.AddCommand(newRoleGrantCommand(opts, false))

	return cmd
}

func newRoleListCommand(opts *globalOptions) *cobra.Command {
	var (
		jsonOutput bool
		filter     rbac.RoleFilter
		kind       string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List roles by level",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Kind = rbac.RoleKind(kind)
			if filter.Kind != "" && !filter.Kind.Valid() {
				return fmt.Errorf("unknown role kind: %s", kind)
			}
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				roles, err := svc.Roles.ListRoles(ctx, filter)
				if err != nil {
					return fmt.Errorf("list roles: %w", err)
				}
				if jsonOutput {
					return writeJSON(out, roles)
				}

				slugs := make(map[int64]string, len(roles))
				for _, r := range roles {
					slugs[r.ID] = r.Slug
				}
				fmt.Fprintf(out, "%-18s %-6s %-8s %-18s %-8s %-8s\n", "SLUG", "LEVEL", "KIND", "PARENT", "DEFAULT", "ACTIVE")
				for _, r := range roles {
					parent := "-"
					if r.InheritsFrom != nil {
						if parent = slugs[*r.InheritsFrom]; parent == "" {
							parent = strconv.FormatInt(*r.InheritsFrom, 10)
						}
					}
					fmt.Fprintf(out, "%-18s %-6d %-8s %-18s %-8s %-8s\n",
						r.Slug, r.Level, r.Kind, parent, yesNo(r.IsDefault), yesNo(r.Active))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&filter.IncludeInactive, "inactive", false, "include inactive roles")
	cmd.Flags().StringVar(&kind, "kind", "", "only roles of this kind (system, custom, organizational, temporary)")

	return cmd
}

func newRoleCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		in            rbac.CreateRoleInput
		parent        string
		maxPrincipals int
	)

	cmd := &cobra.Command{
		Use:   "create SLUG",
		Short: "Create a custom role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Slug = args[0]
			if in.Name == "" {
				in.Name = args[0]
			}
			if cmd.Flags().Changed("max-principals") {
				in.MaxPrincipals = &maxPrincipals
			}
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				if parent != "" {
					p, err := svc.Roles.GetRoleBySlug(ctx, parent)
					if err != nil {
						return fmt.Errorf("parent %s: %w", parent, err)
					}
					in.InheritsFrom = &p.ID
				}
				r, err := svc.Roles.CreateRole(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "created role %s (id %d)\n", r.Slug, r.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "display name (default: the slug)")
	cmd.Flags().StringVar(&in.Description, "description", "", "human readable description")
	cmd.Flags().IntVar(&in.Level, "level", 0, "hierarchy level used by minimum-level checks")
	cmd.Flags().StringVar(&parent, "parent", "", "slug of the role to inherit from")
	cmd.Flags().IntVar(&maxPrincipals, "max-principals", 0, "cap on concurrently effective assignments")
	cmd.Flags().BoolVar(&in.IsDefault, "default", false, "make this the default role for its level")
	cmd.Flags().StringSliceVarP(&in.Permissions, "permission", "p", nil, "directly granted permission (repeatable)")

	return cmd
}

func newRoleShowCommand(opts *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show SLUG",
		Short: "Show a role with its ancestry and effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				role, err := svc.Roles.GetRoleBySlug(ctx, args[0])
				if err != nil {
					return err
				}
				ancestors, err := svc.Resolver.Ancestors(ctx, role.ID)
				if err != nil {
					return err
				}
				perms, err := svc.Roles.EffectivePermissions(ctx, role.ID)
				if err != nil {
					return err
				}

				chain := make([]string, 0, len(ancestors)+1)
				chain = append(chain, role.Slug)
				for _, a := range ancestors {
					chain = append(chain, a.Slug)
				}
				names := make([]string, len(perms))
				for i, p := range perms {
					names[i] = p.Name
				}

				if jsonOutput {
					return writeJSON(out, map[string]interface{}{
						"role":        role,
						"ancestry":    chain,
						"permissions": names,
					})
				}
				fmt.Fprintf(out, "%s (%s), level %d, %s\n", role.Name, role.Slug, role.Level, role.Kind)
				if role.Description != "" {
					fmt.Fprintf(out, "  %s\n", role.Description)
				}
				fmt.Fprintf(out, "inherits: %s\n", strings.Join(chain, " -> "))
				fmt.Fprintf(out, "permissions (%d):\n", len(names))
				for _, n := range names {
					fmt.Fprintf(out, "  %s\n", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newRoleSetParentCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-parent SLUG [PARENT]",
		Short: "Change the role a role inherits from; omit PARENT to detach",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				role, err := svc.Roles.GetRoleBySlug(ctx, args[0])
				if err != nil {
					return err
				}
				var parentID *int64
				if len(args) == 2 {
					parent, err := svc.Roles.GetRoleBySlug(ctx, args[1])
					if err != nil {
						return fmt.Errorf("parent %s: %w", args[1], err)
					}
					parentID = &parent.ID
				}
				if _, err := svc.Roles.SetParent(ctx, role.ID, parentID); err != nil {
					return err
				}
				if parentID == nil {
					fmt.Fprintf(out, "%s no longer inherits\n", role.Slug)
				} else {
					fmt.Fprintf(out, "%s now inherits from %s\n", role.Slug, args[1])
				}
				return nil
			})
		},
	}
}

// newRoleGrantCommand builds "grant" or, with add false, "ungrant"
func newRoleGrantCommand(opts *globalOptions, add bool) *cobra.Command {
	use, short, verb := "grant", "Grant permissions directly to a role", "granted"
	if !add {
		use, short, verb = "ungrant", "Remove direct permission grants from a role", "removed"
	}

	return &cobra.Command{
		Use:   use + " SLUG PERMISSION...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				role, err := svc.Roles.GetRoleBySlug(ctx, args[0])
				if err != nil {
					return err
				}
				if add {
					_, err = svc.Roles.AddPermissionsToRole(ctx, role.ID, args[1:])
				} else {
					_, err = svc.Roles.RemovePermissionsFromRole(ctx, role.ID, args[1:])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s on %s\n", verb, strings.Join(args[1:], ", "), role.Slug)
				return nil
			})
		},
	}
}
