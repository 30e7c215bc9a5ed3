package repo

import (
	"context"
	"database/sql"
	"errors"

	"maintline/internal/domain"
)

const partColumns = `id,name,part_number,quantity_in_stock,min_stock,COALESCE(location,''),created_at,updated_at,version`

func scanPart(scan func(dest ...any) error) (domain.Part, error) {
	var p domain.Part
	var created, updated string
	if err := scan(&p.ID, &p.Name, &p.PartNumber, &p.QuantityInStock, &p.MinStock, &p.Location, &created, &updated, &p.Version); err != nil {
		return p, err
	}
	var err error
	if p.CreatedAt, err = parseStamp(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseStamp(updated); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertPart(ctx context.Context, tx *sql.Tx, p domain.Part) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO parts(id,name,part_number,quantity_in_stock,min_stock,location,created_at,updated_at,version) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.PartNumber, p.QuantityInStock, p.MinStock, nullable(p.Location), stamp(p.CreatedAt), stamp(p.UpdatedAt), p.Version)
	return err
}

func (r Repo) GetPart(ctx context.Context, tx *sql.Tx, id string) (domain.Part, error) {
	p, err := scanPart(r.q(tx).QueryRowContext(ctx, `SELECT `+partColumns+` FROM parts WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return p, domain.NotFoundError{Entity: "part", ID: id}
	}
	return p, err
}

func (r Repo) PartNumberExists(ctx context.Context, tx *sql.Tx, partNumber string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM parts WHERE part_number=?`, partNumber).Scan(&n)
	return n > 0, err
}

type PartFilters struct {
	LowStock bool
	Search   string
	Limit    int
}

func (r Repo) ListParts(ctx context.Context, f PartFilters) ([]domain.Part, error) {
	query := `SELECT ` + partColumns + ` FROM parts WHERE 1=1`
	var args []any
	if f.LowStock {
		query += ` AND quantity_in_stock <= min_stock`
	}
	if f.Search != "" {
		query += ` AND (name LIKE ? OR part_number LIKE ?)`
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	query += ` ORDER BY part_number`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Part
	for rows.Next() {
		p, err := scanPart(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePart writes catalog fields only; stock moves through the ledger.
func (r Repo) UpdatePart(ctx context.Context, tx *sql.Tx, p *domain.Part) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE parts SET name=?, min_stock=?, location=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		p.Name, p.MinStock, nullable(p.Location), stamp(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return err
	}
	if err := r.checkVersion(ctx, tx, res, "parts", "part", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (r Repo) CountLowStock(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM parts WHERE quantity_in_stock <= min_stock`).Scan(&n)
	return n, err
}
