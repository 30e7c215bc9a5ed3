package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maintline/internal/app"
	"maintline/internal/domain"
	"maintline/internal/repo"
	"maintline/internal/report"
)

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Counts of work orders and part requests by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "workorder.read", func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Dashboard(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(d, table.Row{"Entity", "Status", "Count"}, func(tw table.Writer) {
					for _, st := range []string{domain.WorkOrderPending, domain.WorkOrderInProgress, domain.WorkOrderCompleted, domain.WorkOrderCancelled} {
						tw.AppendRow(table.Row{"work_order", statusColor(st), d.WorkOrders[st]})
					}
					tw.AppendSeparator()
					for _, st := range []string{domain.PartRequestPending, domain.PartRequestApproved, domain.PartRequestRejected, domain.PartRequestFulfilled, domain.PartRequestCancelled} {
						tw.AppendRow(table.Row{"part_request", statusColor(st), d.PartRequests[st]})
					}
					tw.AppendSeparator()
					tw.AppendRow(table.Row{"part", "low_stock", d.LowStock})
				})
			})
		},
	}
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Export reports"}
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write work orders, part requests and low stock to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "report.export", func(ctx context.Context, a *app.App) error {
				data, err := a.Engine.ReportData(ctx)
				if err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := report.Write(f, data); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				return printResult(map[string]any{
					"path":          out,
					"work_orders":   len(data.WorkOrders),
					"part_requests": len(data.PartRequests),
					"low_stock":     len(data.LowStock),
				}, fmt.Sprintf("wrote %s (%d work orders, %d part requests, %d low stock parts)", out, len(data.WorkOrders), len(data.PartRequests), len(data.LowStock)))
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "maintline-report.xlsx", "output path")
	r.AddCommand(export)
	return r
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "event.read", func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Events(ctx, f)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first like tail
				for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
					events[i], events[j] = events[j], events[i]
				}
				if err := printEvents(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var cursor int64
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := a.Engine.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printEvents(events []domain.Event) error {
	return printJSONOrTable(events, table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"}, func(tw table.Writer) {
		for _, e := range events {
			tw.AppendRow(table.Row{e.ID, e.TS, color.CyanString(e.Type), e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
		}
	})
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Manage actor roles"}
	r.AddCommand(rbacWhoAmICmd(), rbacGrantCmd(), rbacRevokeCmd(), rbacBootstrapCmd(), rbacRolesCmd())
	return r
}

func rbacWhoAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Auth.Roles(ctx, actorID(), nil)
				if err != nil {
					return err
				}
				perms := a.Config.RolePermissions(roles)
				out := map[string]any{"actor_id": actorID(), "roles": roles, "permissions": perms}
				return printJSONOrTable(out, table.Row{"Field", "Value"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{"actor_id", actorID()})
					tw.AppendRow(table.Row{"roles", fmt.Sprint(roles)})
					tw.AppendRow(table.Row{"permissions", fmt.Sprint(perms)})
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "rbac.manage", func(ctx context.Context, a *app.App) error {
				if err := a.Auth.GrantRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				return printResult(map[string]string{"actor_id": args[0], "role": args[1]}, fmt.Sprintf("granted %s to %s", args[1], args[0]))
			})
		},
	}
}

func rbacRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "rbac.manage", func(ctx context.Context, a *app.App) error {
				if err := a.Auth.RevokeRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				return printResult(map[string]string{"actor_id": args[0], "role": args[1]}, fmt.Sprintf("revoked %s from %s", args[1], args[0]))
			})
		},
	}
}

func rbacBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant admin to --actor-id when no admin exists yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				granted, err := a.Auth.Bootstrap(ctx, actorID())
				if err != nil {
					return err
				}
				msg := "an admin already exists; nothing granted"
				if granted {
					msg = "granted admin to " + actorID()
				}
				return printResult(map[string]any{"actor_id": actorID(), "granted": granted}, msg)
			})
		},
	}
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles defined in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg.RBAC.Roles, table.Row{"Role", "Description", "Permissions"}, func(tw table.Writer) {
				for id, role := range cfg.RBAC.Roles {
					tw.AppendRow(table.Row{id, role.Description, fmt.Sprint(role.Permissions)})
				}
				tw.SortBy([]table.SortBy{{Name: "Role", Mode: table.Asc}})
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys of --actor-id"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Auth.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				return printResult(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain},
					fmt.Sprintf("api key %s created for %s\n%s", key.ID, key.ActorID, color.YellowString(plain)))
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Auth.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, table.Row{"ID", "Name", "Created"}, func(tw table.Writer) {
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
					}
				})
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				perms, err := a.Auth.Permissions(ctx, actorID(), nil)
				if err != nil {
					return err
				}
				if err := a.Auth.RevokeAPIKey(ctx, actorID(), perms, args[0]); err != nil {
					return err
				}
				return printResult(map[string]any{"id": args[0], "revoked": true}, "revoked api key "+args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}
