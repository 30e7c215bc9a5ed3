package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"maintline/internal/domain"
)

const scheduleColumns = `id,machine_id,title,COALESCE(description,''),frequency,next_due_date,COALESCE(anchor_date,next_due_date),priority,active,last_triggered_at,created_by,created_at,updated_at,version`

func scanSchedule(scan func(dest ...any) error) (domain.MaintenanceSchedule, error) {
	var s domain.MaintenanceSchedule
	var due, anchor, created, updated string
	var active int
	var lastTriggered sql.NullString
	if err := scan(&s.ID, &s.MachineID, &s.Title, &s.Description, &s.Frequency, &due, &anchor, &s.Priority, &active, &lastTriggered, &s.CreatedBy, &created, &updated, &s.Version); err != nil {
		return s, err
	}
	s.Active = active != 0
	var err error
	if s.NextDueDate, err = time.Parse(dateLayout, due); err != nil {
		return s, err
	}
	if s.AnchorDate, err = time.Parse(dateLayout, anchor); err != nil {
		return s, err
	}
	if s.LastTriggeredAt, err = parseNullStamp(lastTriggered); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseStamp(created); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseStamp(updated); err != nil {
		return s, err
	}
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// anchorDate defaults to the first due date.
func anchorDate(s domain.MaintenanceSchedule) time.Time {
	if s.AnchorDate.IsZero() {
		return s.NextDueDate.UTC()
	}
	return s.AnchorDate.UTC()
}

func (r Repo) InsertSchedule(ctx context.Context, tx *sql.Tx, s domain.MaintenanceSchedule) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO maintenance_schedules(id,machine_id,title,description,frequency,next_due_date,COALESCE(anchor_date,next_due_date),priority,active,last_triggered_at,created_by,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MachineID, s.Title, nullable(s.Description), s.Frequency, s.NextDueDate.UTC().Format(dateLayout), s.Priority, boolInt(s.Active),
		nullableStamp(s.LastTriggeredAt), s.CreatedBy, stamp(s.CreatedAt), stamp(s.UpdatedAt), s.Version)
	return err
}

func (r Repo) GetSchedule(ctx context.Context, tx *sql.Tx, id string) (domain.MaintenanceSchedule, error) {
	s, err := scanSchedule(r.q(tx).QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM maintenance_schedules WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return s, domain.NotFoundError{Entity: "schedule", ID: id}
	}
	return s, err
}

type ScheduleFilters struct {
	MachineID  string
	ActiveOnly bool
	// DueOn selects active schedules with next_due_date on or before the date.
	DueOn *time.Time
}

func (r Repo) ListSchedules(ctx context.Context, tx *sql.Tx, f ScheduleFilters) ([]domain.MaintenanceSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM maintenance_schedules WHERE 1=1`
	var args []any
	if f.MachineID != "" {
		query += ` AND machine_id=?`
		args = append(args, f.MachineID)
	}
	if f.ActiveOnly || f.DueOn != nil {
		query += ` AND active=1`
	}
	if f.DueOn != nil {
		query += ` AND next_due_date<=?`
		args = append(args, f.DueOn.UTC().Format(dateLayout))
	}
	query += ` ORDER BY next_due_date, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaintenanceSchedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSchedule writes s if its version is unchanged and bumps s.Version.
func (r Repo) UpdateSchedule(ctx context.Context, tx *sql.Tx, s *domain.MaintenanceSchedule) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE maintenance_schedules SET title=?, description=?, frequency=?, next_due_date=?, priority=?, active=?, last_triggered_at=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		s.Title, nullable(s.Description), s.Frequency, s.NextDueDate.UTC().Format(dateLayout), s.Priority, boolInt(s.Active),
		nullableStamp(s.LastTriggeredAt), stamp(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	if err := r.checkVersion(ctx, tx, res, "maintenance_schedules", "schedule", s.ID); err != nil {
		return err
	}
	s.Version++
	return nil
}
