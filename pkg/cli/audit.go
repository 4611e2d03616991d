package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/rbac"
)

func newAuditCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the assignment audit trail",
	}
	cmd.AddCommand(newAuditExportCommand(opts))
	return cmd
}

func newAuditExportCommand(opts *globalOptions) *cobra.Command {
	var (
		filter audit.Filter
		format string
		action string
		role   string
		since  time.Duration
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries as json, ndjson or csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if action != "" {
				filter.Action = audit.Action(action)
				if !filter.Action.Valid() {
					return fmt.Errorf("unknown audit action: %s", action)
				}
			}
			if since > 0 {
				at := time.Now().Add(-since).UTC()
				filter.Since = &at
			}

			return opts.withService(cmd, func(ctx context.Context, svc *rbac.Service, out io.Writer) error {
				if role != "" {
					r, err := svc.Roles.GetRoleBySlug(ctx, role)
					if err != nil {
						return err
					}
					filter.RoleID = &r.ID
				}
				entries, err := svc.Analytics.AuditTrail(ctx, filter)
				if err != nil {
					return err
				}
				data, err := audit.Export(entries, audit.ExportFormat(format))
				if err != nil {
					return err
				}

				if output == "" || output == "-" {
					_, err = out.Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0o640); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				opts.log.WithFields(map[string]interface{}{
					"file":    output,
					"entries": len(entries),
				}).Info("audit trail exported")
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&format, "format", string(audit.ExportFormatJSON), "json, ndjson or csv")
	flags.StringVar(&filter.PrincipalID, "principal", "", "only entries for this principal")
	flags.StringVar(&role, "role", "", "only entries for this role slug")
	flags.StringVar(&action, "action", "", "only this action (assigned, revoked, promoted, demoted, modified)")
	flags.StringVar(&filter.PerformedBy, "performed-by", "", "only entries performed by this actor")
	flags.DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	flags.IntVar(&filter.Limit, "limit", 0, "maximum entries, newest first (default 100, at most 1000)")
	flags.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")

	return cmd
}
