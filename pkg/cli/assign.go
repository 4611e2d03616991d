package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func newAssignCommand(opts *globalOptions) *cobra.Command {
	var (
		assign    rbac.AssignOptions
		expiresIn time.Duration
		pairs     []string
	)

	cmd := &cobra.Command{
		Use:   "assign PRINCIPAL ROLE",
		Short: "Assign a role to a principal",
		Long: `Assigns ROLE (a slug) to PRINCIPAL. Assigning a role the principal already
holds in the same --context reactivates and updates that assignment.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseContext(pairs)
			if err != nil {
				return err
			}
			assign.Context = scope
			if expiresIn != 0 {
				if expiresIn < 0 {
					return fmt.Errorf("--expires-in must be positive")
				}
				at := time.Now().Add(expiresIn).UTC()
				assign.ExpiresAt = &at
			}

			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				role, err := svc.Roles.GetRoleBySlug(ctx, args[1])
				if err != nil {
					return err
				}
				a, err := svc.Ledger.AssignRole(ctx, args[0], role.ID, assign)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "assigned %s to %s (assignment %d", role.Slug, a.PrincipalID, a.ID)
				if a.ExpiresAt != nil {
					fmt.Fprintf(out, ", expires %s", a.ExpiresAt.Format(time.RFC3339))
				}
				if a.IsPrimary {
					fmt.Fprint(out, ", primary")
				}
				fmt.Fprintln(out, ")")
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&expiresIn, "expires-in", 0, "expire the assignment after this long (e.g. 72h)")
	flags.BoolVar(&assign.IsPrimary, "primary", false, "mark as the principal's primary role")
	flags.StringVar(&assign.AssignedBy, "by", "", "who is making the assignment")
	flags.StringSliceVar(&pairs, "context", nil, "assignment scope as key=value (repeatable)")
	flags.StringVar(&assign.Notes, "notes", "", "free-form notes stored on the assignment")
	flags.StringVar(&assign.Reason, "reason", "", "reason recorded in the audit trail")

	return cmd
}

func newRevokeCommand(opts *globalOptions) *cobra.Command {
	var revoke rbac.RevokeOptions

	cmd := &cobra.Command{
		Use:   "revoke PRINCIPAL ROLE",
		Short: "Revoke every active assignment of a role from a principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				role, err := svc.Roles.GetRoleBySlug(ctx, args[1])
				if err != nil {
					return err
				}
				revoked, err := svc.Ledger.RevokeRole(ctx, args[0], role.ID, revoke)
				if err != nil {
					return err
				}
				if !revoked {
					fmt.Fprintf(out, "%s does not hold %s\n", args[0], role.Slug)
					return nil
				}
				fmt.Fprintf(out, "revoked %s from %s\n", role.Slug, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&revoke.PerformedBy, "by", "", "who is revoking")
	cmd.Flags().StringVar(&revoke.Reason, "reason", "", "reason recorded in the audit trail")

	return cmd
}

func newSweepCommand(opts *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate assignments whose expiry has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				result, err := svc.Ledger.SweepExpiredAssignments(ctx)
				if err != nil {
					return err
				}
				opts.log.WithField("sweep_id", result.SweepID).Debug("sweep finished")
				if jsonOutput {
					return writeJSON(out, result)
				}
				fmt.Fprintf(out, "expired %d assignments\n", result.Expired)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

// parseContext turns key=value pairs into an assignment context. Integer and
// boolean values keep their type so they match contexts written over the API.
func parseContext(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	scope := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --context %q: want key=value", pair)
		}
		if _, dup := scope[key]; dup {
			return nil, fmt.Errorf("duplicate --context key %q", key)
		}
		switch {
		case value == "true" || value == "false":
			scope[key] = value == "true"
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				scope[key] = n
			} else {
				scope[key] = value
			}
		}
	}
	return scope, nil
}
