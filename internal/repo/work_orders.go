package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"maintline/internal/domain"
)

const workOrderColumns = `id,title,COALESCE(description,''),priority,status,machine_id,assigned_to,scheduled_date,started_at,completed_at,created_by,COALESCE(notes,''),schedule_id,outstanding_part_requests,created_at,updated_at,deleted_at,version`

func scanWorkOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var assigned, scheduled, started, completed, scheduleID, deleted sql.NullString
	var created, updated string
	if err := scan(&w.ID, &w.Title, &w.Description, &w.Priority, &w.Status, &w.MachineID, &assigned, &scheduled, &started, &completed,
		&w.CreatedBy, &w.Notes, &scheduleID, &w.OutstandingPartRequests, &created, &updated, &deleted, &w.Version); err != nil {
		return w, err
	}
	w.AssignedTo = nullString(assigned)
	w.ScheduleID = nullString(scheduleID)
	var err error
	if w.ScheduledDate, err = parseNullDate(scheduled); err != nil {
		return w, err
	}
	if w.StartedAt, err = parseNullStamp(started); err != nil {
		return w, err
	}
	if w.CompletedAt, err = parseNullStamp(completed); err != nil {
		return w, err
	}
	if w.DeletedAt, err = parseNullStamp(deleted); err != nil {
		return w, err
	}
	if w.CreatedAt, err = parseStamp(created); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseStamp(updated); err != nil {
		return w, err
	}
	return w, nil
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_orders(id,title,description,priority,status,machine_id,assigned_to,scheduled_date,started_at,completed_at,created_by,notes,schedule_id,outstanding_part_requests,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.Description), w.Priority, w.Status, w.MachineID, nullableStringPtr(w.AssignedTo), nullableDate(w.ScheduledDate),
		nullableStamp(w.StartedAt), nullableStamp(w.CompletedAt), w.CreatedBy, nullable(w.Notes), nullableStringPtr(w.ScheduleID),
		w.OutstandingPartRequests, stamp(w.CreatedAt), stamp(w.UpdatedAt), w.Version)
	return err
}

// GetWorkOrder returns a live work order; soft-deleted rows read as not found.
func (r Repo) GetWorkOrder(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	w, err := scanWorkOrder(r.q(tx).QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=? AND deleted_at IS NULL`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return w, domain.NotFoundError{Entity: "work_order", ID: id}
	}
	return w, err
}

// UpdateWorkOrder writes w if its version is unchanged and bumps w.Version.
func (r Repo) UpdateWorkOrder(ctx context.Context, tx *sql.Tx, w *domain.WorkOrder) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_orders SET title=?, description=?, priority=?, status=?, assigned_to=?, scheduled_date=?, started_at=?, completed_at=?, notes=?, updated_at=?, deleted_at=?, version=version+1
WHERE id=? AND version=? AND deleted_at IS NULL`,
		w.Title, nullable(w.Description), w.Priority, w.Status, nullableStringPtr(w.AssignedTo), nullableDate(w.ScheduledDate),
		nullableStamp(w.StartedAt), nullableStamp(w.CompletedAt), nullable(w.Notes), stamp(w.UpdatedAt), nullableStamp(w.DeletedAt),
		w.ID, w.Version)
	if err != nil {
		return err
	}
	if err := r.checkVersion(ctx, tx, res, "work_orders", "work_order", w.ID); err != nil {
		return err
	}
	w.Version++
	return nil
}

// RefreshOutstanding recomputes the denormalized outstanding request count without bumping the version.
func (r Repo) RefreshOutstanding(ctx context.Context, tx *sql.Tx, workOrderID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `UPDATE work_orders SET outstanding_part_requests=(
  SELECT count(*) FROM part_requests WHERE work_order_id=? AND status IN ('pending','approved')
) WHERE id=? RETURNING outstanding_part_requests`, workOrderID, workOrderID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NotFoundError{Entity: "work_order", ID: workOrderID}
	}
	return n, err
}

type WorkOrderFilters struct {
	Status          string
	MachineID       string
	AssignedTo      string
	ScheduleID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func workOrderWhere(f WorkOrderFilters, alias string) (string, []any) {
	clauses := []string{alias + "deleted_at IS NULL"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, alias+"status=?")
		args = append(args, f.Status)
	}
	if f.MachineID != "" {
		clauses = append(clauses, alias+"machine_id=?")
		args = append(args, f.MachineID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, alias+"assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.ScheduleID != "" {
		clauses = append(clauses, alias+"schedule_id=?")
		args = append(args, f.ScheduleID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "("+alias+"created_at < ? OR ("+alias+"created_at = ? AND "+alias+"id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	where, args := workOrderWhere(f, "")
	query := `SELECT ` + workOrderColumns + ` FROM work_orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// WorkOrderSummaries joins machine names onto the work order list.
func (r Repo) WorkOrderSummaries(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrderSummary, error) {
	where, args := workOrderWhere(f, "w.")
	query := `SELECT w.id,w.title,w.status,w.priority,w.machine_id,m.name,COALESCE(w.assigned_to,''),w.scheduled_date
FROM work_orders w JOIN machines m ON m.id=w.machine_id ` + where + ` ORDER BY w.created_at DESC, w.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrderSummary
	for rows.Next() {
		var s domain.WorkOrderSummary
		var scheduled sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &s.Status, &s.Priority, &s.MachineID, &s.Machine, &s.AssignedTo, &scheduled); err != nil {
			return nil, err
		}
		if s.ScheduledDate, err = parseNullDate(scheduled); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkOrdersByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.DB, `SELECT status, count(*) FROM work_orders WHERE deleted_at IS NULL GROUP BY status`)
}
