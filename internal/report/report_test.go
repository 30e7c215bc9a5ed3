package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"maintline/internal/domain"
)

func TestWriteWorkbook(t *testing.T) {
	due := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	d := Data{
		WorkOrders: []domain.WorkOrderSummary{
			{ID: "w1", Title: "Fix press", Status: domain.WorkOrderPending, Priority: domain.PriorityHigh, MachineID: "m1", Machine: "Press", ScheduledDate: &due},
			{ID: "w2", Title: "Oil", Status: domain.WorkOrderCompleted, Priority: domain.PriorityLow, MachineID: "m1", Machine: "Press", AssignedTo: "tech"},
		},
		PartRequests: []domain.PartRequestSummary{
			{ID: "r1", WorkOrderID: "w1", Status: domain.PartRequestApproved, ItemsCount: 2, TotalQuantityRequested: 5, TotalQuantityApproved: 3},
		},
		LowStock: []domain.Part{{ID: "p1", PartNumber: "S-1", Name: "Seal", QuantityInStock: 1, MinStock: 4}},
	}
	var buf bytes.Buffer
	if err := Write(&buf, d); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if got := f.GetSheetList(); len(got) != 3 || got[0] != WorkOrdersSheet {
		t.Fatalf("sheets = %v", got)
	}
	rows, err := f.GetRows(WorkOrdersSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[1][0] != "w1" || rows[1][7] != "2024-02-29" || rows[2][6] != "tech" {
		t.Fatalf("work order rows = %v", rows)
	}
	rows, err = f.GetRows(PartRequestsSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][4] != "5" || rows[1][5] != "3" {
		t.Fatalf("part request rows = %v", rows)
	}
	rows, err = f.GetRows(LowStockSheet)
	if err != nil || len(rows) != 2 || rows[1][1] != "S-1" {
		t.Fatalf("low stock rows = %v %v", rows, err)
	}
}

func TestWriteEmptyWorkbookKeepsHeaders(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Data{}); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(PartRequestsSheet)
	if err != nil || len(rows) != 1 || rows[0][0] != "id" {
		t.Fatalf("rows = %v %v", rows, err)
	}
}
