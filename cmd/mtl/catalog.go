package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"maintline/internal/app"
	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
)

func machineCmd() *cobra.Command {
	m := &cobra.Command{Use: "machine", Short: "Manage machines"}
	m.AddCommand(machineCreateCmd(), machineListCmd(), machineStatusCmd(), machineDeleteCmd())
	return m
}

func machineCreateCmd() *cobra.Command {
	var opts engine.CreateMachineOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "machine.manage", func(ctx context.Context, a *app.App) error {
				opts.ActorID = actorID()
				m, err := a.Engine.CreateMachine(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(m, fmt.Sprintf("created machine %s (%s)", m.ID, m.Name))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "machine id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "machine name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "operational|maintenance|down")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func machineListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "machine.read", func(ctx context.Context, a *app.App) error {
				machines, err := a.Engine.ListMachines(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(machines, table.Row{"ID", "Name", "Status", "Category"}, func(tw table.Writer) {
					for _, m := range machines {
						tw.AppendRow(table.Row{m.ID, m.Name, statusColor(m.Status), m.Category})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func machineStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <machine-id> <operational|maintenance|down>",
		Short: "Change a machine's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "machine.manage", func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SetMachineStatus(ctx, engine.SetMachineStatusOptions{MachineID: args[0], Status: args[1], ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(m, fmt.Sprintf("machine %s is %s", m.ID, statusColor(m.Status)))
			})
		},
	}
}

func machineDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <machine-id>",
		Short: "Delete an unreferenced machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "machine.manage", func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteMachine(ctx, engine.DeleteMachineOptions{MachineID: args[0], ActorID: actorID()}); err != nil {
					return err
				}
				return printResult(map[string]any{"id": args[0], "deleted": true}, "deleted machine "+args[0])
			})
		},
	}
}

func partCmd() *cobra.Command {
	p := &cobra.Command{Use: "part", Short: "Manage the parts catalog and stock"}
	p.AddCommand(partCreateCmd(), partListCmd(), partShowCmd(), partUpdateCmd(), partRestockCmd(), partMovementsCmd(), partAvailableCmd())
	return p
}

func partCreateCmd() *cobra.Command {
	var opts engine.CreatePartOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a part to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.manage", func(ctx context.Context, a *app.App) error {
				opts.ActorID = actorID()
				p, err := a.Engine.CreatePart(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(p, fmt.Sprintf("created part %s %s (stock %d)", p.ID, p.PartNumber, p.QuantityInStock))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "part id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "part name")
	cmd.Flags().StringVar(&opts.PartNumber, "number", "", "unique part number")
	cmd.Flags().IntVar(&opts.QuantityInStock, "stock", 0, "opening stock")
	cmd.Flags().IntVar(&opts.MinStock, "min-stock", 0, "reorder threshold")
	cmd.Flags().StringVar(&opts.Location, "location", "", "storage location")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func partListCmd() *cobra.Command {
	var f repo.PartFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.read", func(ctx context.Context, a *app.App) error {
				parts, err := a.Engine.ListParts(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(parts, table.Row{"ID", "Number", "Name", "Stock", "Min", "Location"}, func(tw table.Writer) {
					for _, p := range parts {
						tw.AppendRow(table.Row{p.ID, p.PartNumber, p.Name, stockCell(p), p.MinStock, p.Location})
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&f.LowStock, "low-stock", false, "only parts at or below min stock")
	cmd.Flags().StringVar(&f.Search, "q", "", "search name or part number")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func partShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <part-id>",
		Short: "Show a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.read", func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetPart(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p, table.Row{"Field", "Value"}, func(tw table.Writer) {
					tw.AppendRows([]table.Row{
						{"id", p.ID}, {"number", p.PartNumber}, {"name", p.Name},
						{"stock", stockCell(p)}, {"min_stock", p.MinStock}, {"location", p.Location},
						{"version", p.Version},
					})
				})
			})
		},
	}
}

func partUpdateCmd() *cobra.Command {
	var name, location string
	var minStock int
	cmd := &cobra.Command{
		Use:   "update <part-id>",
		Short: "Edit catalog fields of a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.manage", func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdatePart(ctx, engine.UpdatePartOptions{
					PartID:   args[0],
					Name:     optional(cmd, "name", name),
					MinStock: optional(cmd, "min-stock", minStock),
					Location: optional(cmd, "location", location),
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printResult(p, "updated part "+p.ID)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "part name")
	cmd.Flags().IntVar(&minStock, "min-stock", 0, "reorder threshold")
	cmd.Flags().StringVar(&location, "location", "", "storage location")
	return cmd
}

func partRestockCmd() *cobra.Command {
	var ref string
	var qty int
	cmd := &cobra.Command{
		Use:   "restock <part-id>",
		Short: "Add stock to a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.restock", func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.RestockPart(ctx, engine.RestockPartOptions{PartID: args[0], Quantity: qty, RefID: ref, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(p, fmt.Sprintf("part %s stock now %d", p.ID, p.QuantityInStock))
			})
		},
	}
	cmd.Flags().IntVar(&qty, "qty", 0, "quantity received")
	cmd.Flags().StringVar(&ref, "ref", "", "delivery or purchase reference")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func partMovementsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "movements <part-id>",
		Short: "Show the stock ledger of a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.read", func(ctx context.Context, a *app.App) error {
				moves, err := a.Engine.StockMovements(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(moves, table.Row{"ID", "Delta", "Reason", "Ref", "Actor", "At"}, func(tw table.Writer) {
					for _, m := range moves {
						tw.AppendRow(table.Row{m.ID, fmt.Sprintf("%+d", m.Delta), m.Reason, m.RefID, m.ActorID, m.CreatedAt.Format("2006-01-02 15:04")})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func partAvailableCmd() *cobra.Command {
	var qty int
	cmd := &cobra.Command{
		Use:   "available <part-id>",
		Short: "Check whether a part has enough stock (advisory)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), "part.read", func(ctx context.Context, a *app.App) error {
				av, err := a.Engine.CheckAvailability(ctx, args[0], qty)
				if err != nil {
					return err
				}
				return printJSONOrTable(av, table.Row{"Part", "Quantity", "Available"}, func(tw table.Writer) {
					verdict := color.GreenString("yes")
					if !av.Available {
						verdict = color.RedString("no")
					}
					tw.AppendRow(table.Row{av.PartID, av.Quantity, verdict})
				})
			})
		},
	}
	cmd.Flags().IntVar(&qty, "qty", 1, "quantity needed")
	return cmd
}

func stockCell(p domain.Part) string {
	if p.BelowMinimum() {
		return color.RedString("%d (low)", p.QuantityInStock)
	}
	return fmt.Sprint(p.QuantityInStock)
}
