package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"maintline/internal/app"
	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
	"maintline/internal/schedule"
)

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:     "wo",
		Aliases: []string{"work-order"},
		Short:   "Manage work orders",
	}
	wo.AddCommand(
		workOrderCreateCmd(), workOrderListCmd(), workOrderShowCmd(), workOrderUpdateCmd(),
		workOrderAssignCmd(), workOrderStartCmd(), workOrderCompleteCmd(),
		workOrderActionCmd("cancel", "Cancel a work order and its pending part requests", "workorder.cancel", engine.Engine.CancelWorkOrder),
		workOrderActionCmd("delete", "Soft delete a work order", "workorder.delete", engine.Engine.DeleteWorkOrder),
		workOrderBulkCmd("bulk-delete", "Delete many work orders", "workorder.delete", engine.Engine.BulkDeleteWorkOrders),
		workOrderBulkCmd("bulk-cancel", "Cancel many work orders", "workorder.cancel", engine.Engine.BulkCancelWorkOrders),
		workOrderFulfillmentCmd(),
	)
	return wo
}

func workOrderCreateCmd() *cobra.Command {
	var opts engine.CreateWorkOrderOptions
	var scheduled string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a work order against a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheduled != "" {
				d, err := schedule.ParseDate(scheduled)
				if err != nil {
					return err
				}
				opts.ScheduledDate = &d
			}
			return withPermission(cmd.Context(), "workorder.create", func(ctx context.Context, a *app.App) error {
				opts.ActorID = actorID()
				wo, err := a.Engine.CreateWorkOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(wo, fmt.Sprintf("created work order %s (%s)", wo.ID, wo.Title))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work order id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low|medium|high")
	cmd.Flags().StringVar(&opts.MachineID, "machine", "", "machine id")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "technician id")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "workorder.read", func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "Title", "Status", "Priority", "Machine", "Assigned", "Scheduled", "Open PRs"}, func(tw table.Writer) {
					for _, wo := range list {
						tw.AppendRow(table.Row{wo.ID, wo.Title, statusColor(wo.Status), priorityColor(wo.Priority), wo.MachineID,
							strOrEmpty(wo.AssignedTo), dateOrEmpty(wo.ScheduledDate), wo.OutstandingPartRequests})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.MachineID, "machine", "", "filter by machine")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "filter by technician")
	cmd.Flags().StringVar(&f.ScheduleID, "schedule", "", "filter by originating schedule")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <work-order-id>",
		Short: "Show a work order with its part requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "workorder.read", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				reqs, err := a.Engine.ListPartRequests(ctx, repo.PartRequestFilters{WorkOrderID: wo.ID})
				if err != nil {
					return err
				}
				out := struct {
					domain.WorkOrder
					PartRequests []domain.PartRequest `json:"part_requests"`
				}{wo, reqs}
				return printJSONOrTable(out, table.Row{"Field", "Value"}, func(tw table.Writer) {
					tw.AppendRows([]table.Row{
						{"id", wo.ID}, {"title", wo.Title}, {"status", statusColor(wo.Status)},
						{"priority", priorityColor(wo.Priority)}, {"machine", wo.MachineID},
						{"assigned_to", strOrEmpty(wo.AssignedTo)}, {"scheduled", dateOrEmpty(wo.ScheduledDate)},
						{"started_at", timeOrEmpty(wo.StartedAt)}, {"completed_at", timeOrEmpty(wo.CompletedAt)},
						{"description", wo.Description}, {"notes", wo.Notes},
					})
					for _, pr := range reqs {
						tw.AppendRow(table.Row{"part_request", fmt.Sprintf("%s %s (%d items)", pr.ID, statusColor(pr.Status), len(pr.Items))})
					}
				})
			})
		},
	}
}

func workOrderUpdateCmd() *cobra.Command {
	var title, priority, scheduled, notes string
	cmd := &cobra.Command{
		Use:   "update <work-order-id>",
		Short: "Edit title, priority, scheduled date or notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateWorkOrderOptions{
				WorkOrderID: args[0],
				Title:       optional(cmd, "title", title),
				Priority:    optional(cmd, "priority", priority),
				Notes:       optional(cmd, "notes", notes),
				ActorID:     actorID(),
			}
			if cmd.Flags().Changed("scheduled") {
				d, err := schedule.ParseDate(scheduled)
				if err != nil {
					return err
				}
				opts.ScheduledDate = &d
			}
			return withPermission(cmd.Context(), "workorder.create", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.UpdateWorkOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(wo, "updated work order "+wo.ID)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date YYYY-MM-DD")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func workOrderAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <work-order-id> <technician-id>",
		Short: "Assign a technician (once)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "workorder.assign", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.AssignTechnician(ctx, engine.AssignTechnicianOptions{WorkOrderID: args[0], TechnicianID: args[1], ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(wo, fmt.Sprintf("work order %s assigned to %s", wo.ID, args[1]))
			})
		},
	}
}

func workOrderStartCmd() *cobra.Command {
	var at time.Time
	var atRaw string
	cmd := &cobra.Command{
		Use:   "start <work-order-id>",
		Short: "Start work on a pending work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if atRaw != "" {
				t, err := time.Parse(time.RFC3339, atRaw)
				if err != nil {
					return domain.ValidationError{Field: "at", Reason: "must be RFC3339"}
				}
				at = t
			}
			return withPermission(cmd.Context(), "workorder.start", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.StartWorkOrder(ctx, engine.StartWorkOrderOptions{WorkOrderID: args[0], StartedAt: at, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(wo, fmt.Sprintf("work order %s is %s", wo.ID, statusColor(wo.Status)))
			})
		},
	}
	cmd.Flags().StringVar(&atRaw, "at", "", "start time RFC3339 (default now)")
	return cmd
}

func workOrderCompleteCmd() *cobra.Command {
	var description, atRaw string
	cmd := &cobra.Command{
		Use:   "complete <work-order-id>",
		Short: "Complete an in-progress work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if atRaw != "" {
				t, err := time.Parse(time.RFC3339, atRaw)
				if err != nil {
					return domain.ValidationError{Field: "at", Reason: "must be RFC3339"}
				}
				at = t
			}
			return withPermission(cmd.Context(), "workorder.complete", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.CompleteWorkOrder(ctx, engine.CompleteWorkOrderOptions{WorkOrderID: args[0], CompletedAt: at, Description: description, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(wo, fmt.Sprintf("work order %s is %s", wo.ID, statusColor(wo.Status)))
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what was done")
	cmd.Flags().StringVar(&atRaw, "at", "", "completion time RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

type workOrderAction func(engine.Engine, context.Context, engine.WorkOrderActionOptions) (domain.WorkOrder, error)

func workOrderActionCmd(use, short, perm string, fn workOrderAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <work-order-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), perm, func(ctx context.Context, a *app.App) error {
				wo, err := fn(a.Engine, ctx, engine.WorkOrderActionOptions{WorkOrderID: args[0], ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(wo, fmt.Sprintf("%s work order %s: %s", use, wo.ID, statusColor(wo.Status)))
			})
		},
	}
}

type bulkAction func(engine.Engine, context.Context, engine.BulkOptions) ([]engine.BulkResult, error)

func workOrderBulkCmd(use, short, perm string, fn bulkAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <work-order-id>...",
		Short: short,
		Long:  short + ". Each id succeeds or fails on its own; the command fails when any id failed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), perm, func(ctx context.Context, a *app.App) error {
				results, err := fn(a.Engine, ctx, engine.BulkOptions{IDs: args, ActorID: actorID()})
				if err != nil {
					return err
				}
				failed := 0
				if err := printJSONOrTable(results, table.Row{"ID", "Result", "Code", "Error"}, func(tw table.Writer) {
					for _, r := range results {
						res := color.GreenString("ok")
						if !r.OK {
							res = color.RedString("failed")
						}
						tw.AppendRow(table.Row{r.ID, res, r.Code, r.Message})
					}
				}); err != nil {
					return err
				}
				for _, r := range results {
					if !r.OK {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d work orders failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func workOrderFulfillmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fulfillment <work-order-id>",
		Short: "Summarize part requests and whether the work order can complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "workorder.read", func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.FulfillmentSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sum, table.Row{"Field", "Value"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{"requests", sum.Requests})
					for _, st := range []string{domain.PartRequestPending, domain.PartRequestApproved, domain.PartRequestRejected, domain.PartRequestFulfilled, domain.PartRequestCancelled} {
						tw.AppendRow(table.Row{statusColor(st), sum.ByStatus[st]})
					}
					tw.AppendRow(table.Row{"outstanding", sum.Outstanding})
					tw.AppendRow(table.Row{"can_complete", sum.CanComplete})
				})
			})
		},
	}
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
