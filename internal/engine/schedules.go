package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"maintline/internal/domain"
	"maintline/internal/events"
	"maintline/internal/metrics"
	"maintline/internal/repo"
	"maintline/internal/schedule"
)

const (
	scheduleEntity = "schedule"
	// SchedulerActor is recorded as the creator of work orders seeded by RunDueSchedules.
	SchedulerActor = "system:scheduler"
)

type CreateScheduleOptions struct {
	ID          string    `json:"id,omitempty"`
	MachineID   string    `json:"machine_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description,omitempty"`
	Frequency   string    `json:"frequency" validate:"required,oneof=daily weekly monthly yearly"`
	NextDueDate time.Time `json:"next_due_date"`
	Priority    string    `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	Inactive    bool      `json:"inactive,omitempty"`
	ActorID     string    `json:"actor_id" validate:"required"`
}

func (e Engine) CreateSchedule(ctx context.Context, opts CreateScheduleOptions) (s domain.MaintenanceSchedule, err error) {
	defer func() { e.observe(scheduleEntity, "create", s.ID, opts.ActorID, err) }()
	opts.Title = strings.TrimSpace(opts.Title)
	if err := e.validate(opts); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if opts.NextDueDate.IsZero() {
		return domain.MaintenanceSchedule{}, domain.ValidationError{Field: "next_due_date", Reason: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetMachine(ctx, tx, opts.MachineID); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	now := e.now()
	s = domain.MaintenanceSchedule{
		ID:          opts.ID,
		MachineID:   opts.MachineID,
		Title:       opts.Title,
		Description: opts.Description,
		Frequency:   opts.Frequency,
		NextDueDate: schedule.Day(opts.NextDueDate),
		AnchorDate:  schedule.Day(opts.NextDueDate),
		Priority:    opts.Priority,
		Active:      !opts.Inactive,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Priority == "" {
		s.Priority = domain.PriorityMedium
	}
	if err := e.Repo.InsertSchedule(ctx, tx, s); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if err := e.events().Append(ctx, tx, events.ScheduleCreated, scheduleEntity, s.ID, opts.ActorID, events.EventPayload{
		"machine_id": s.MachineID, "frequency": s.Frequency, "next_due_date": s.NextDueDate.Format(schedule.DateLayout),
	}); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	return s, nil
}

type SetScheduleActiveOptions struct {
	ScheduleID string `json:"schedule_id" validate:"required"`
	Active     bool   `json:"active"`
	ActorID    string `json:"actor_id" validate:"required"`
}

func (e Engine) SetScheduleActive(ctx context.Context, opts SetScheduleActiveOptions) (s domain.MaintenanceSchedule, err error) {
	defer func() { e.observe(scheduleEntity, "set_active", opts.ScheduleID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	release, err := e.acquire(ctx, scheduleEntity, opts.ScheduleID)
	if err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	defer tx.Rollback()
	s, err = e.Repo.GetSchedule(ctx, tx, opts.ScheduleID)
	if err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if s.Active == opts.Active {
		return s, nil
	}
	s.Active = opts.Active
	s.UpdatedAt = e.now()
	if err := e.Repo.UpdateSchedule(ctx, tx, &s); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if err := e.events().Append(ctx, tx, events.ScheduleUpdated, scheduleEntity, s.ID, opts.ActorID, events.EventPayload{"active": s.Active}); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MaintenanceSchedule{}, err
	}
	return s, nil
}

func (e Engine) GetSchedule(ctx context.Context, id string) (domain.MaintenanceSchedule, error) {
	return e.Repo.GetSchedule(ctx, nil, id)
}

func (e Engine) ListSchedules(ctx context.Context, f repo.ScheduleFilters) ([]domain.MaintenanceSchedule, error) {
	return e.Repo.ListSchedules(ctx, nil, f)
}

// AcceptScheduleTrigger creates a pending work order from a due schedule event.
func (e Engine) AcceptScheduleTrigger(ctx context.Context, trig domain.ScheduleTrigger, actorID string) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(scheduleEntity, "trigger", trig.ScheduleID, actorID, err) }()
	if err := requireActor(actorID); err != nil {
		return domain.WorkOrder{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.acceptTriggerTx(ctx, tx, trig, actorID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	metrics.ScheduledWorkOrders.Inc()
	return wo, nil
}

func (e Engine) acceptTriggerTx(ctx context.Context, tx *sql.Tx, trig domain.ScheduleTrigger, actorID string) (domain.WorkOrder, error) {
	trig.Title = strings.TrimSpace(trig.Title)
	if err := e.validate(trig); err != nil {
		return domain.WorkOrder{}, err
	}
	if trig.DueDate.IsZero() {
		return domain.WorkOrder{}, domain.ValidationError{Field: "due_date", Reason: "is required"}
	}
	var scheduleID *string
	if trig.ScheduleID != "" {
		if _, err := e.Repo.GetSchedule(ctx, tx, trig.ScheduleID); err != nil {
			return domain.WorkOrder{}, err
		}
		scheduleID = ptr(trig.ScheduleID)
	}
	due := schedule.Day(trig.DueDate)
	return e.createWorkOrderTx(ctx, tx, CreateWorkOrderOptions{
		Title:         trig.Title,
		Description:   trig.Description,
		Priority:      trig.Priority,
		MachineID:     trig.MachineID,
		ScheduledDate: &due,
		ActorID:       actorID,
	}, scheduleID)
}

// ScheduleRun reports what RunDueSchedules did.
type ScheduleRun struct {
	AsOf    time.Time          `json:"as_of"`
	Created []domain.WorkOrder `json:"created"`
	Failed  []BulkResult       `json:"failed,omitempty"`
}

// RunDueSchedules seeds one work order per active schedule due on or before asOf and moves the
// schedule past asOf. Missed cycles collapse into that single work order.
func (e Engine) RunDueSchedules(ctx context.Context, asOf time.Time, actorID string) (ScheduleRun, error) {
	if actorID == "" {
		actorID = SchedulerActor
	}
	asOf = schedule.Day(asOf)
	run := ScheduleRun{AsOf: asOf, Created: []domain.WorkOrder{}}
	due, err := e.Repo.ListSchedules(ctx, nil, repo.ScheduleFilters{DueOn: &asOf})
	if err != nil {
		return run, err
	}
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		wo, created, err := e.triggerSchedule(ctx, s.ID, asOf, actorID)
		if err != nil {
			run.Failed = append(run.Failed, bulkResult(s.ID, err))
			continue
		}
		if created {
			run.Created = append(run.Created, wo)
		}
	}
	return run, nil
}

func (e Engine) triggerSchedule(ctx context.Context, scheduleID string, asOf time.Time, actorID string) (wo domain.WorkOrder, created bool, err error) {
	defer func() { e.observe(scheduleEntity, "run", scheduleID, actorID, err) }()
	release, err := e.acquire(ctx, scheduleEntity, scheduleID)
	if err != nil {
		return domain.WorkOrder{}, false, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, false, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSchedule(ctx, tx, scheduleID)
	if err != nil {
		return domain.WorkOrder{}, false, err
	}
	// Another runner may already have advanced it.
	if !s.Active || s.NextDueDate.After(asOf) {
		return domain.WorkOrder{}, false, nil
	}
	dueDate := s.NextDueDate
	wo, err = e.acceptTriggerTx(ctx, tx, domain.ScheduleTrigger{
		MachineID:   s.MachineID,
		Title:       s.Title,
		Description: s.Description,
		Priority:    s.Priority,
		DueDate:     dueDate,
		ScheduleID:  s.ID,
	}, actorID)
	if err != nil {
		return domain.WorkOrder{}, false, err
	}
	next, skipped, err := schedule.NextAfter(s.Frequency, s.AnchorDate, s.NextDueDate, asOf)
	if err != nil {
		return domain.WorkOrder{}, false, err
	}
	now := e.now()
	s.NextDueDate = next
	s.LastTriggeredAt = &now
	s.UpdatedAt = now
	if err := e.Repo.UpdateSchedule(ctx, tx, &s); err != nil {
		return domain.WorkOrder{}, false, err
	}
	if err := e.events().Append(ctx, tx, events.ScheduleTriggered, scheduleEntity, s.ID, actorID, events.EventPayload{
		"work_order_id": wo.ID,
		"due_date":      dueDate.Format(schedule.DateLayout),
		"next_due_date": next.Format(schedule.DateLayout),
		"skipped":       skipped,
	}); err != nil {
		return domain.WorkOrder{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, false, err
	}
	metrics.ScheduledWorkOrders.Inc()
	return wo, true, nil
}
