// Package report renders read projections into xlsx workbooks.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"maintline/internal/domain"
	"maintline/internal/schedule"
)

const (
	WorkOrdersSheet   = "Work Orders"
	PartRequestsSheet = "Part Requests"
	LowStockSheet     = "Low Stock"
)

// Data is everything one export contains.
type Data struct {
	WorkOrders   []domain.WorkOrderSummary
	PartRequests []domain.PartRequestSummary
	LowStock     []domain.Part
}

// Write renders d as a workbook with one sheet per projection.
func Write(w io.Writer, d Data) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), WorkOrdersSheet); err != nil {
		return err
	}
	header := []any{"id", "title", "status", "priority", "machine_id", "machine", "assigned_to", "scheduled_date"}
	rows := make([][]any, 0, len(d.WorkOrders))
	for _, wo := range d.WorkOrders {
		scheduled := ""
		if wo.ScheduledDate != nil {
			scheduled = wo.ScheduledDate.Format(schedule.DateLayout)
		}
		rows = append(rows, []any{wo.ID, wo.Title, wo.Status, wo.Priority, wo.MachineID, wo.Machine, wo.AssignedTo, scheduled})
	}
	if err := writeSheet(f, WorkOrdersSheet, header, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(PartRequestsSheet); err != nil {
		return err
	}
	header = []any{"id", "work_order_id", "status", "items_count", "total_quantity_requested", "total_quantity_approved"}
	rows = rows[:0]
	for _, pr := range d.PartRequests {
		rows = append(rows, []any{pr.ID, pr.WorkOrderID, pr.Status, pr.ItemsCount, pr.TotalQuantityRequested, pr.TotalQuantityApproved})
	}
	if err := writeSheet(f, PartRequestsSheet, header, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(LowStockSheet); err != nil {
		return err
	}
	header = []any{"id", "part_number", "name", "quantity_in_stock", "min_stock", "location"}
	rows = rows[:0]
	for _, p := range d.LowStock {
		rows = append(rows, []any{p.ID, p.PartNumber, p.Name, p.QuantityInStock, p.MinStock, p.Location})
	}
	if err := writeSheet(f, LowStockSheet, header, rows); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("%s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+2, err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}
