package repo

import (
	"context"
	"database/sql"
	"errors"

	"maintline/internal/domain"
)

const machineColumns = `id,name,status,COALESCE(category,''),created_at,updated_at,version`

func scanMachine(scan func(dest ...any) error) (domain.Machine, error) {
	var m domain.Machine
	var created, updated string
	if err := scan(&m.ID, &m.Name, &m.Status, &m.Category, &created, &updated, &m.Version); err != nil {
		return m, err
	}
	var err error
	if m.CreatedAt, err = parseStamp(created); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseStamp(updated); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) InsertMachine(ctx context.Context, tx *sql.Tx, m domain.Machine) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO machines(id,name,status,category,created_at,updated_at,version) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Status, nullable(m.Category), stamp(m.CreatedAt), stamp(m.UpdatedAt), m.Version)
	return err
}

func (r Repo) GetMachine(ctx context.Context, tx *sql.Tx, id string) (domain.Machine, error) {
	m, err := scanMachine(r.q(tx).QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return m, domain.NotFoundError{Entity: "machine", ID: id}
	}
	return m, err
}

func (r Repo) ListMachines(ctx context.Context, status string) ([]domain.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMachine writes m if its version is unchanged and bumps m.Version.
func (r Repo) UpdateMachine(ctx context.Context, tx *sql.Tx, m *domain.Machine) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE machines SET name=?, status=?, category=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		m.Name, m.Status, nullable(m.Category), stamp(m.UpdatedAt), m.ID, m.Version)
	if err != nil {
		return err
	}
	if err := r.checkVersion(ctx, tx, res, "machines", "machine", m.ID); err != nil {
		return err
	}
	m.Version++
	return nil
}

// MachineReferences counts work orders (deleted ones included) and schedules pointing at a machine.
func (r Repo) MachineReferences(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT (SELECT count(*) FROM work_orders WHERE machine_id=?) + (SELECT count(*) FROM maintenance_schedules WHERE machine_id=?)`, id, id).Scan(&n)
	return n, err
}

func (r Repo) DeleteMachine(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM machines WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Entity: "machine", ID: id}
	}
	return nil
}
