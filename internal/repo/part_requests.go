package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"maintline/internal/domain"
)

const partRequestColumns = `id,work_order_id,requested_by,status,COALESCE(note,''),decided_by,decided_at,fulfilled_by,fulfilled_at,created_at,updated_at,version`

func scanPartRequest(scan func(dest ...any) error) (domain.PartRequest, error) {
	var p domain.PartRequest
	var decidedBy, decidedAt, fulfilledBy, fulfilledAt sql.NullString
	var created, updated string
	if err := scan(&p.ID, &p.WorkOrderID, &p.RequestedBy, &p.Status, &p.Note, &decidedBy, &decidedAt, &fulfilledBy, &fulfilledAt, &created, &updated, &p.Version); err != nil {
		return p, err
	}
	p.DecidedBy = nullString(decidedBy)
	p.FulfilledBy = nullString(fulfilledBy)
	var err error
	if p.DecidedAt, err = parseNullStamp(decidedAt); err != nil {
		return p, err
	}
	if p.FulfilledAt, err = parseNullStamp(fulfilledAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseStamp(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseStamp(updated); err != nil {
		return p, err
	}
	return p, nil
}

// InsertPartRequest stores the request and its items.
func (r Repo) InsertPartRequest(ctx context.Context, tx *sql.Tx, p domain.PartRequest) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO part_requests(id,work_order_id,requested_by,status,note,decided_by,decided_at,fulfilled_by,fulfilled_at,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkOrderID, p.RequestedBy, p.Status, nullable(p.Note), nullableStringPtr(p.DecidedBy), nullableStamp(p.DecidedAt),
		nullableStringPtr(p.FulfilledBy), nullableStamp(p.FulfilledAt), stamp(p.CreatedAt), stamp(p.UpdatedAt), p.Version)
	if err != nil {
		return err
	}
	for _, it := range p.Items {
		if _, err := q.ExecContext(ctx, `INSERT INTO part_request_items(id,part_request_id,position,part_id,quantity_requested,quantity_approved,item_note) VALUES (?,?,?,?,?,?,?)`,
			it.ID, p.ID, it.Position, it.PartID, it.QuantityRequested, nullableIntPtr(it.QuantityApproved), nullable(it.ItemNote)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetPartRequest(ctx context.Context, tx *sql.Tx, id string) (domain.PartRequest, error) {
	p, err := scanPartRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+partRequestColumns+` FROM part_requests WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return p, domain.NotFoundError{Entity: "part_request", ID: id}
	}
	if err != nil {
		return p, err
	}
	items, err := r.ListPartRequestItems(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Items = items
	return p, nil
}

func (r Repo) ListPartRequestItems(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.PartRequestItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,part_request_id,position,part_id,quantity_requested,quantity_approved,COALESCE(item_note,'') FROM part_request_items WHERE part_request_id=? ORDER BY position`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PartRequestItem
	for rows.Next() {
		var it domain.PartRequestItem
		var approved sql.NullInt64
		if err := rows.Scan(&it.ID, &it.PartRequestID, &it.Position, &it.PartID, &it.QuantityRequested, &approved, &it.ItemNote); err != nil {
			return nil, err
		}
		if approved.Valid {
			v := int(approved.Int64)
			it.QuantityApproved = &v
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdatePartRequest writes status, audit fields and approved quantities under a version check.
func (r Repo) UpdatePartRequest(ctx context.Context, tx *sql.Tx, p *domain.PartRequest) error {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE part_requests SET status=?, note=?, decided_by=?, decided_at=?, fulfilled_by=?, fulfilled_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		p.Status, nullable(p.Note), nullableStringPtr(p.DecidedBy), nullableStamp(p.DecidedAt), nullableStringPtr(p.FulfilledBy), nullableStamp(p.FulfilledAt),
		stamp(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return err
	}
	if err := r.checkVersion(ctx, tx, res, "part_requests", "part_request", p.ID); err != nil {
		return err
	}
	for _, it := range p.Items {
		if _, err := q.ExecContext(ctx, `UPDATE part_request_items SET quantity_approved=? WHERE id=? AND part_request_id=?`,
			nullableIntPtr(it.QuantityApproved), it.ID, p.ID); err != nil {
			return err
		}
	}
	p.Version++
	return nil
}

type PartRequestFilters struct {
	WorkOrderID string
	Status      string
	RequestedBy string
	Limit       int
}

func (r Repo) ListPartRequests(ctx context.Context, tx *sql.Tx, f PartRequestFilters) ([]domain.PartRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "requested_by=?")
		args = append(args, f.RequestedBy)
	}
	query := `SELECT ` + partRequestColumns + ` FROM part_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.PartRequest
	for rows.Next() {
		p, err := scanPartRequest(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Items are loaded after the cursor is closed; a tx holds a single connection.
	for i := range res {
		items, err := r.ListPartRequestItems(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Items = items
	}
	return res, nil
}

// PartRequestSummaries aggregates item quantities per request.
func (r Repo) PartRequestSummaries(ctx context.Context, f PartRequestFilters) ([]domain.PartRequestSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "p.work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "p.status=?")
		args = append(args, f.Status)
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "p.requested_by=?")
		args = append(args, f.RequestedBy)
	}
	query := `SELECT p.id,p.work_order_id,p.status,count(i.id),COALESCE(SUM(i.quantity_requested),0),COALESCE(SUM(i.quantity_approved),0)
FROM part_requests p LEFT JOIN part_request_items i ON i.part_request_id=p.id
WHERE ` + strings.Join(clauses, " AND ") + ` GROUP BY p.id ORDER BY p.created_at, p.id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PartRequestSummary
	for rows.Next() {
		var s domain.PartRequestSummary
		if err := rows.Scan(&s.ID, &s.WorkOrderID, &s.Status, &s.ItemsCount, &s.TotalQuantityRequested, &s.TotalQuantityApproved); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountPartRequestsByStatus(ctx context.Context, tx *sql.Tx, workOrderID string) (map[string]int, error) {
	if workOrderID == "" {
		return countByStatus(ctx, r.q(tx), `SELECT status, count(*) FROM part_requests GROUP BY status`)
	}
	return countByStatus(ctx, r.q(tx), `SELECT status, count(*) FROM part_requests WHERE work_order_id=? GROUP BY status`, workOrderID)
}
