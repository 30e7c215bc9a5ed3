package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"maintline/internal/domain"
	"maintline/internal/engine/guard"
	"maintline/internal/events"
	"maintline/internal/repo"
)

const workOrderEntity = "work_order"

// CreateWorkOrderOptions are parameters for creating a work order.
type CreateWorkOrderOptions struct {
	ID            string     `json:"id,omitempty"`
	Title         string     `json:"title" validate:"required"`
	Description   string     `json:"description,omitempty"`
	Priority      string     `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	MachineID     string     `json:"machine_id" validate:"required"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ActorID       string     `json:"actor_id" validate:"required"`
}

func (e Engine) CreateWorkOrder(ctx context.Context, opts CreateWorkOrderOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "create", wo.ID, opts.ActorID, err) }()
	opts.Title = strings.TrimSpace(opts.Title)
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.createWorkOrderTx(ctx, tx, opts, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

func (e Engine) createWorkOrderTx(ctx context.Context, tx *sql.Tx, opts CreateWorkOrderOptions, scheduleID *string) (domain.WorkOrder, error) {
	if _, err := e.Repo.GetMachine(ctx, tx, opts.MachineID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID, opts.AssignedTo); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.now()
	wo := domain.WorkOrder{
		ID:          opts.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.WorkOrderPending,
		MachineID:   opts.MachineID,
		CreatedBy:   opts.ActorID,
		Notes:       opts.Notes,
		ScheduleID:  scheduleID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if wo.ID == "" {
		wo.ID = uuid.New().String()
	}
	if wo.Priority == "" {
		wo.Priority = domain.PriorityMedium
	}
	if opts.AssignedTo != "" {
		wo.AssignedTo = ptr(opts.AssignedTo)
	}
	if opts.ScheduledDate != nil {
		d := opts.ScheduledDate.UTC()
		d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		wo.ScheduledDate = &d
	}
	if err := e.Repo.InsertWorkOrder(ctx, tx, wo); err != nil {
		return domain.WorkOrder{}, err
	}
	payload := events.EventPayload{"machine_id": wo.MachineID, "priority": wo.Priority, "title": wo.Title}
	if scheduleID != nil {
		payload["schedule_id"] = *scheduleID
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderCreated, workOrderEntity, wo.ID, opts.ActorID, payload); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

func workOrderContext(wo domain.WorkOrder, reqs []domain.PartRequest) guard.WorkOrderContext {
	c := guard.WorkOrderContext{WorkOrderID: wo.ID, Status: wo.Status}
	if wo.AssignedTo != nil {
		c.AssignedTo = *wo.AssignedTo
	}
	for _, r := range reqs {
		c.Requests = append(c.Requests, guard.LinkedRequest{ID: r.ID, Status: r.Status})
	}
	return c
}

func (e Engine) linkedRequests(ctx context.Context, tx *sql.Tx, workOrderID string) ([]domain.PartRequest, error) {
	return e.Repo.ListPartRequests(ctx, tx, repo.PartRequestFilters{WorkOrderID: workOrderID})
}

type AssignTechnicianOptions struct {
	WorkOrderID  string `json:"work_order_id" validate:"required"`
	TechnicianID string `json:"technician_id" validate:"required"`
	ActorID      string `json:"actor_id" validate:"required"`
}

// AssignTechnician sets the assignee once; there is no reassignment path.
func (e Engine) AssignTechnician(ctx context.Context, opts AssignTechnicianOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "assign", opts.WorkOrderID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := guard.CanAssign(workOrderContext(wo, nil)).Err(workOrderEntity, wo.ID, wo.Status, "assign"); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID, opts.TechnicianID); err != nil {
		return domain.WorkOrder{}, err
	}
	wo.AssignedTo = ptr(opts.TechnicianID)
	wo.UpdatedAt = e.now()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderAssigned, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"technician_id": opts.TechnicianID}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

type StartWorkOrderOptions struct {
	WorkOrderID string    `json:"work_order_id" validate:"required"`
	StartedAt   time.Time `json:"started_at"`
	ActorID     string    `json:"actor_id" validate:"required"`
}

func (e Engine) StartWorkOrder(ctx context.Context, opts StartWorkOrderOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "start", opts.WorkOrderID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.StartedAt.IsZero() {
		return domain.WorkOrder{}, domain.ValidationError{Field: "started_at", Reason: "is required"}
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := guard.CanStart(workOrderContext(wo, nil)).Err(workOrderEntity, wo.ID, wo.Status, "start"); err != nil {
		return domain.WorkOrder{}, err
	}
	started := opts.StartedAt.UTC().Truncate(time.Second)
	wo.Status = domain.WorkOrderInProgress
	wo.StartedAt = &started
	wo.UpdatedAt = e.now()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderStarted, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"started_at": started.Format(time.RFC3339)}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

type CompleteWorkOrderOptions struct {
	WorkOrderID string    `json:"work_order_id" validate:"required"`
	CompletedAt time.Time `json:"completed_at"`
	Description string    `json:"description" validate:"required"`
	ActorID     string    `json:"actor_id" validate:"required"`
}

// CompleteWorkOrder closes an in-progress work order once no linked part request is outstanding.
func (e Engine) CompleteWorkOrder(ctx context.Context, opts CompleteWorkOrderOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "complete", opts.WorkOrderID, opts.ActorID, err) }()
	opts.Description = strings.TrimSpace(opts.Description)
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.CompletedAt.IsZero() {
		return domain.WorkOrder{}, domain.ValidationError{Field: "completed_at", Reason: "is required"}
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.ensureCompletable(ctx, tx, wo); err != nil {
		return domain.WorkOrder{}, err
	}
	completed := opts.CompletedAt.UTC().Truncate(time.Second)
	if wo.StartedAt != nil && completed.Before(*wo.StartedAt) {
		return domain.WorkOrder{}, domain.ValidationError{Field: "completed_at", Reason: "must not be before started_at"}
	}
	wo.Status = domain.WorkOrderCompleted
	wo.CompletedAt = &completed
	wo.Description = opts.Description
	wo.UpdatedAt = e.now()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderCompleted, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"completed_at": completed.Format(time.RFC3339)}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

type WorkOrderActionOptions struct {
	WorkOrderID string `json:"work_order_id" validate:"required"`
	ActorID     string `json:"actor_id" validate:"required"`
}

// CancelWorkOrder cancels the work order and its pending part requests.
// Approved and fulfilled requests are left as they are; fulfilled stock is not returned.
func (e Engine) CancelWorkOrder(ctx context.Context, opts WorkOrderActionOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "cancel", opts.WorkOrderID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := guard.CanCancelWorkOrder(workOrderContext(wo, nil)).Err(workOrderEntity, wo.ID, wo.Status, "cancel"); err != nil {
		return domain.WorkOrder{}, err
	}
	reqs, err := e.linkedRequests(ctx, tx, wo.ID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	wo.Status = domain.WorkOrderCancelled
	wo.UpdatedAt = e.now()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	cancelled, err := e.cascadeCancel(ctx, tx, reqs, opts.ActorID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.OutstandingPartRequests, err = e.Repo.RefreshOutstanding(ctx, tx, wo.ID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderCancelled, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"cancelled_part_requests": cancelled}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

// DeleteWorkOrder soft deletes a work order after cancelling its pending requests.
func (e Engine) DeleteWorkOrder(ctx context.Context, opts WorkOrderActionOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "delete", opts.WorkOrderID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	reqs, err := e.linkedRequests(ctx, tx, wo.ID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := guard.CanDeleteWorkOrder(workOrderContext(wo, reqs)).Err(workOrderEntity, wo.ID, wo.Status, "delete"); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.now()
	wo.DeletedAt = &now
	wo.UpdatedAt = now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	cancelled, err := e.cascadeCancel(ctx, tx, reqs, opts.ActorID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if wo.OutstandingPartRequests, err = e.Repo.RefreshOutstanding(ctx, tx, wo.ID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderDeleted, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"status": wo.Status, "cancelled_part_requests": cancelled}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}

func (e Engine) cascadeCancel(ctx context.Context, tx *sql.Tx, reqs []domain.PartRequest, actorID string) ([]string, error) {
	cancelled := []string{}
	for i := range reqs {
		pr := reqs[i]
		if pr.Status != domain.PartRequestPending {
			continue
		}
		pr.Status = domain.PartRequestCancelled
		pr.UpdatedAt = e.now()
		if err := e.Repo.UpdatePartRequest(ctx, tx, &pr); err != nil {
			return nil, err
		}
		if err := e.events().Append(ctx, tx, events.PartRequestCancel, partRequestEntity, pr.ID, actorID, events.EventPayload{"work_order_id": pr.WorkOrderID, "cascade": true}); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, pr.ID)
	}
	return cancelled, nil
}

type UpdateWorkOrderOptions struct {
	WorkOrderID   string     `json:"work_order_id" validate:"required"`
	Title         *string    `json:"title,omitempty"`
	Priority      *string    `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
	ActorID       string     `json:"actor_id" validate:"required"`
}

// UpdateWorkOrder edits descriptive fields. Notes stay editable after the work order closes.
func (e Engine) UpdateWorkOrder(ctx context.Context, opts UpdateWorkOrderOptions) (wo domain.WorkOrder, err error) {
	defer func() { e.observe(workOrderEntity, "update", opts.WorkOrderID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.WorkOrder{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	wo, err = e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	changed := []string{}
	planning := opts.Title != nil || opts.Priority != nil || opts.ScheduledDate != nil
	if planning && (wo.Status == domain.WorkOrderCompleted || wo.Status == domain.WorkOrderCancelled) {
		return domain.WorkOrder{}, domain.TransitionError{Entity: workOrderEntity, ID: wo.ID, From: wo.Status, Action: "update", Code: domain.CodeInvalidTransition}
	}
	if opts.Title != nil {
		wo.Title = strings.TrimSpace(*opts.Title)
		changed = append(changed, "title")
	}
	if opts.Priority != nil {
		wo.Priority = *opts.Priority
		changed = append(changed, "priority")
	}
	if opts.ScheduledDate != nil {
		d := opts.ScheduledDate.UTC()
		d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		wo.ScheduledDate = &d
		changed = append(changed, "scheduled_date")
	}
	if opts.Notes != nil {
		wo.Notes = *opts.Notes
		changed = append(changed, "notes")
	}
	if len(changed) == 0 {
		return wo, nil
	}
	wo.UpdatedAt = e.now()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &wo); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.events().Append(ctx, tx, events.WorkOrderUpdated, workOrderEntity, wo.ID, opts.ActorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return wo, nil
}
