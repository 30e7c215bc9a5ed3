// Package ledger owns part stock quantities and the stock movement log.
//
// Stock only changes through CommitDeduction and Restock. Both run inside the caller's
// transaction, so a fulfillment that deducts several parts commits or rolls back as one.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maintline/internal/domain"
	"maintline/internal/metrics"
)

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{DB: db, Now: time.Now}
}

func (l Ledger) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

// Movement describes one stock change.
type Movement struct {
	PartID   string
	Quantity int
	RefID    string
	ActorID  string
}

// Available returns the current stock of a part.
func (l Ledger) Available(ctx context.Context, tx *sql.Tx, partID string) (int, error) {
	var qty int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, `SELECT quantity_in_stock FROM parts WHERE id=?`, partID).Scan(&qty)
	} else {
		err = l.DB.QueryRowContext(ctx, `SELECT quantity_in_stock FROM parts WHERE id=?`, partID).Scan(&qty)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NotFoundError{Entity: "part", ID: partID}
	}
	return qty, err
}

// CheckAvailable is an advisory read; the answer can be stale by the time the caller acts.
func (l Ledger) CheckAvailable(ctx context.Context, partID string, qty int) (bool, error) {
	have, err := l.Available(ctx, nil, partID)
	if err != nil {
		return false, err
	}
	return have >= qty, nil
}

// CommitDeduction removes m.Quantity from stock with a single compare-and-decrement.
// It returns InsufficientStockError, leaving stock untouched, when stock is short.
func (l Ledger) CommitDeduction(ctx context.Context, tx *sql.Tx, m Movement) (int, error) {
	if m.Quantity <= 0 {
		return 0, domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	now := l.now()
	var remaining int
	err := tx.QueryRowContext(ctx, `UPDATE parts SET quantity_in_stock=quantity_in_stock-?, updated_at=?, version=version+1
WHERE id=? AND quantity_in_stock>=? RETURNING quantity_in_stock`, m.Quantity, now, m.PartID, m.Quantity).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		have, aerr := l.Available(ctx, tx, m.PartID)
		if aerr != nil {
			metrics.StockDeductions.WithLabelValues("error").Inc()
			return 0, aerr
		}
		metrics.StockDeductions.WithLabelValues("insufficient").Inc()
		return have, domain.InsufficientStockError{PartID: m.PartID, Requested: m.Quantity, Available: have}
	}
	if err != nil {
		metrics.StockDeductions.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("deduct stock for part %s: %w", m.PartID, err)
	}
	if err := l.record(ctx, tx, m.PartID, -m.Quantity, domain.MovementFulfillment, m.RefID, m.ActorID, now); err != nil {
		return 0, err
	}
	metrics.StockDeductions.WithLabelValues("ok").Inc()
	return remaining, nil
}

// Restock adds m.Quantity to stock.
func (l Ledger) Restock(ctx context.Context, tx *sql.Tx, m Movement) (int, error) {
	if m.Quantity <= 0 {
		return 0, domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	now := l.now()
	var total int
	err := tx.QueryRowContext(ctx, `UPDATE parts SET quantity_in_stock=quantity_in_stock+?, updated_at=?, version=version+1 WHERE id=? RETURNING quantity_in_stock`,
		m.Quantity, now, m.PartID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NotFoundError{Entity: "part", ID: m.PartID}
	}
	if err != nil {
		return 0, fmt.Errorf("restock part %s: %w", m.PartID, err)
	}
	if err := l.record(ctx, tx, m.PartID, m.Quantity, domain.MovementRestock, m.RefID, m.ActorID, now); err != nil {
		return 0, err
	}
	return total, nil
}

func (l Ledger) record(ctx context.Context, tx *sql.Tx, partID string, delta int, reason, refID, actorID, now string) error {
	var ref any
	if refID != "" {
		ref = refID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO stock_movements(part_id,delta,reason,ref_id,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		partID, delta, reason, ref, actorID, now)
	if err != nil {
		return fmt.Errorf("record stock movement: %w", err)
	}
	return nil
}

// Movements lists the stock movements of a part, newest first.
func (l Ledger) Movements(ctx context.Context, partID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,part_id,delta,reason,COALESCE(ref_id,''),actor_id,created_at FROM stock_movements WHERE part_id=? ORDER BY id DESC LIMIT ?`, partID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		var created string
		if err := rows.Scan(&m.ID, &m.PartID, &m.Delta, &m.Reason, &m.RefID, &m.ActorID, &created); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LowStock lists parts at or below their reorder threshold.
func (l Ledger) LowStock(ctx context.Context) ([]domain.Part, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,name,part_number,quantity_in_stock,min_stock,COALESCE(location,'') FROM parts WHERE quantity_in_stock <= min_stock ORDER BY part_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Part
	for rows.Next() {
		var p domain.Part
		if err := rows.Scan(&p.ID, &p.Name, &p.PartNumber, &p.QuantityInStock, &p.MinStock, &p.Location); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
