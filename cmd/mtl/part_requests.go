package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"maintline/internal/app"
	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
	"maintline/internal/schedule"
)

func partRequestCmd() *cobra.Command {
	pr := &cobra.Command{
		Use:     "pr",
		Aliases: []string{"part-request"},
		Short:   "Manage part requests",
	}
	pr.AddCommand(
		partRequestSubmitCmd(), partRequestListCmd(), partRequestShowCmd(), partRequestDecideCmd(),
		partRequestActionCmd("fulfill", "Deduct approved quantities from stock", "partrequest.fulfill", engine.Engine.FulfillPartRequest),
		partRequestActionCmd("cancel", "Cancel a pending part request", "partrequest.cancel", engine.Engine.CancelPartRequest),
		partRequestActionCmd("revert", "Return an approved request to pending", "partrequest.decide", engine.Engine.RevertPartRequestApproval),
	)
	return pr
}

// parseItems reads part_id:qty[:note] flags.
func parseItems(raw []string) ([]engine.PartRequestItemInput, error) {
	items := make([]engine.PartRequestItemInput, 0, len(raw))
	for i, r := range raw {
		fields := strings.SplitN(r, ":", 3)
		if len(fields) < 2 {
			return nil, domain.ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "must be part_id:qty[:note]"}
		}
		qty, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be an integer"}
		}
		item := engine.PartRequestItemInput{PartID: fields[0], Quantity: qty}
		if len(fields) == 3 {
			item.Note = fields[2]
		}
		items = append(items, item)
	}
	return items, nil
}

// parseDecisions reads item_id=qty flags.
func parseDecisions(raw []string) ([]engine.ItemDecision, error) {
	out := make([]engine.ItemDecision, 0, len(raw))
	for i, r := range raw {
		id, qtyRaw, ok := strings.Cut(r, "=")
		if !ok || id == "" {
			return nil, domain.ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "must be item_id=qty"}
		}
		qty, err := strconv.Atoi(qtyRaw)
		if err != nil {
			return nil, domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity_approved", i), Reason: "must be an integer"}
		}
		out = append(out, engine.ItemDecision{ItemID: id, QuantityApproved: &qty})
	}
	return out, nil
}

func partRequestSubmitCmd() *cobra.Command {
	var id, note string
	var rawItems []string
	cmd := &cobra.Command{
		Use:   "submit <work-order-id>",
		Short: "Request parts for a work order",
		Example: `  mtl pr submit wo-1 --item p-bearing:2 --item "p-belt:1:spare for next cycle"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseItems(rawItems)
			if err != nil {
				return err
			}
			return withPermission(cmd.Context(), "partrequest.submit", func(ctx context.Context, a *app.App) error {
				pr, err := a.Engine.SubmitPartRequest(ctx, engine.SubmitPartRequestOptions{ID: id, WorkOrderID: args[0], Items: items, Note: note, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(pr, fmt.Sprintf("submitted part request %s with %d items", pr.ID, len(pr.Items)))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (generated when empty)")
	cmd.Flags().StringArrayVar(&rawItems, "item", nil, "part_id:qty[:note] (repeatable)")
	cmd.Flags().StringVar(&note, "note", "", "request note")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func partRequestListCmd() *cobra.Command {
	var f repo.PartRequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List part requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "partrequest.read", func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.PartRequestSummaries(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "Work order", "Status", "Items", "Requested", "Approved"}, func(tw table.Writer) {
					for _, s := range list {
						tw.AppendRow(table.Row{s.ID, s.WorkOrderID, statusColor(s.Status), s.ItemsCount, s.TotalQuantityRequested, s.TotalQuantityApproved})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkOrderID, "work-order", "", "filter by work order")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.RequestedBy, "requested-by", "", "filter by requester")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func partRequestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a part request and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "partrequest.read", func(ctx context.Context, a *app.App) error {
				pr, err := a.Engine.GetPartRequest(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(pr, table.Row{"Item", "Part", "Requested", "Approved", "Note"}, func(tw table.Writer) {
					for _, it := range pr.Items {
						approved := ""
						if it.QuantityApproved != nil {
							approved = strconv.Itoa(*it.QuantityApproved)
						}
						tw.AppendRow(table.Row{it.ID, it.PartID, it.QuantityRequested, approved, it.ItemNote})
					}
					tw.SetTitle("%s on %s: %s", pr.ID, pr.WorkOrderID, statusColor(pr.Status))
				}); err != nil {
					return err
				}
				return nil
			})
		},
	}
}

func partRequestDecideCmd() *cobra.Command {
	var outcome string
	var rawItems []string
	cmd := &cobra.Command{
		Use:   "decide <request-id>",
		Short: "Approve or reject a pending part request",
		Long:  "Approved quantities default to the requested quantity and are capped by it and by stock on hand.",
		Example: `  mtl pr decide pr-1 --outcome approved --item item-1=2
  mtl pr decide pr-1 --outcome rejected`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := parseDecisions(rawItems)
			if err != nil {
				return err
			}
			return withPermission(cmd.Context(), "partrequest.decide", func(ctx context.Context, a *app.App) error {
				pr, err := a.Engine.DecidePartRequest(ctx, engine.DecidePartRequestOptions{RequestID: args[0], Outcome: outcome, Items: decisions, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(pr, fmt.Sprintf("part request %s %s", pr.ID, statusColor(pr.Status)))
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "approved|rejected")
	cmd.Flags().StringArrayVar(&rawItems, "item", nil, "item_id=qty approved quantity (repeatable)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

type partRequestAction func(engine.Engine, context.Context, engine.PartRequestActionOptions) (domain.PartRequest, error)

func partRequestActionCmd(use, short, perm string, fn partRequestAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), perm, func(ctx context.Context, a *app.App) error {
				pr, err := fn(a.Engine, ctx, engine.PartRequestActionOptions{RequestID: args[0], ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(pr, fmt.Sprintf("part request %s %s", pr.ID, statusColor(pr.Status)))
			})
		},
	}
}

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{Use: "schedule", Short: "Manage recurring maintenance schedules"}
	s.AddCommand(scheduleCreateCmd(), scheduleListCmd(), scheduleActiveCmd("activate", true), scheduleActiveCmd("pause", false),
		scheduleRunCmd(), scheduleTriggerCmd())
	return s
}

func scheduleCreateCmd() *cobra.Command {
	var opts engine.CreateScheduleOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a maintenance schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := schedule.ParseDate(due)
			if err != nil {
				return err
			}
			opts.NextDueDate = d
			return withPermission(cmd.Context(), "schedule.manage", func(ctx context.Context, a *app.App) error {
				opts.ActorID = actorID()
				s, err := a.Engine.CreateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(s, fmt.Sprintf("created schedule %s (%s, next %s)", s.ID, s.Frequency, s.NextDueDate.Format(schedule.DateLayout)))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "schedule id (generated when empty)")
	cmd.Flags().StringVar(&opts.MachineID, "machine", "", "machine id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title of seeded work orders")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description of seeded work orders")
	cmd.Flags().StringVar(&opts.Frequency, "frequency", "", "daily|weekly|monthly|yearly")
	cmd.Flags().StringVar(&due, "next-due", "", "first due date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low|medium|high")
	cmd.Flags().BoolVar(&opts.Inactive, "paused", false, "create paused")
	for _, f := range []string{"machine", "title", "frequency", "next-due"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var f repo.ScheduleFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "schedule.read", func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListSchedules(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "Machine", "Title", "Frequency", "Next due", "Active", "Last triggered"}, func(tw table.Writer) {
					for _, s := range list {
						tw.AppendRow(table.Row{s.ID, s.MachineID, s.Title, s.Frequency, s.NextDueDate.Format(schedule.DateLayout), s.Active, dateOrEmpty(s.LastTriggeredAt)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.MachineID, "machine", "", "filter by machine")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active schedules")
	return cmd
}

func scheduleActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "schedule.manage", func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.SetScheduleActive(ctx, engine.SetScheduleActiveOptions{ScheduleID: args[0], Active: active, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(s, fmt.Sprintf("schedule %s active=%t", s.ID, s.Active))
			})
		},
	}
}

func scheduleRunCmd() *cobra.Command {
	var asOfRaw string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create work orders for every schedule due on or before a date",
		Long:  "Each due schedule seeds exactly one work order and moves its next due date past the run date. Running twice for the same date creates nothing new.",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf := time.Now().UTC()
			if asOfRaw != "" {
				d, err := schedule.ParseDate(asOfRaw)
				if err != nil {
					return err
				}
				asOf = d
			}
			return withPermission(cmd.Context(), "schedule.run", func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.RunDueSchedules(ctx, asOf, engine.SchedulerActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(run, table.Row{"Work order", "Schedule", "Machine", "Scheduled", "Result"}, func(tw table.Writer) {
					for _, wo := range run.Created {
						tw.AppendRow(table.Row{wo.ID, strOrEmpty(wo.ScheduleID), wo.MachineID, dateOrEmpty(wo.ScheduledDate), "created"})
					}
					for _, f := range run.Failed {
						tw.AppendRow(table.Row{"", f.ID, "", "", f.Code + ": " + f.Message})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&asOfRaw, "as-of", "", "run date YYYY-MM-DD (default today)")
	return cmd
}

func scheduleTriggerCmd() *cobra.Command {
	var trig domain.ScheduleTrigger
	var due string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Accept an externally produced schedule trigger as a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := schedule.ParseDate(due)
			if err != nil {
				return err
			}
			trig.DueDate = d
			return withPermission(cmd.Context(), "schedule.run", func(ctx context.Context, a *app.App) error {
				wo, err := a.Engine.AcceptScheduleTrigger(ctx, trig, actorID())
				if err != nil {
					return err
				}
				return printResult(wo, "created work order "+wo.ID)
			})
		},
	}
	cmd.Flags().StringVar(&trig.MachineID, "machine", "", "machine id")
	cmd.Flags().StringVar(&trig.Title, "title", "", "title")
	cmd.Flags().StringVar(&trig.Description, "description", "", "description")
	cmd.Flags().StringVar(&trig.Priority, "priority", "", "low|medium|high")
	cmd.Flags().StringVar(&trig.ScheduleID, "schedule", "", "originating schedule id")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD")
	for _, f := range []string{"machine", "title", "due"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
