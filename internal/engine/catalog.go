package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"maintline/internal/domain"
	"maintline/internal/events"
	"maintline/internal/ledger"
	"maintline/internal/repo"
)

const (
	machineEntity = "machine"
	partEntity    = "part"
)

type CreateMachineOptions struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name" validate:"required"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=operational maintenance down"`
	Category string `json:"category,omitempty"`
	ActorID  string `json:"actor_id" validate:"required"`
}

func (e Engine) CreateMachine(ctx context.Context, opts CreateMachineOptions) (m domain.Machine, err error) {
	defer func() { e.observe(machineEntity, "create", m.ID, opts.ActorID, err) }()
	opts.Name = strings.TrimSpace(opts.Name)
	if err := e.validate(opts); err != nil {
		return domain.Machine{}, err
	}
	now := e.now()
	m = domain.Machine{ID: opts.ID, Name: opts.Name, Status: opts.Status, Category: opts.Category, CreatedAt: now, UpdatedAt: now, Version: 1}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = domain.MachineOperational
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMachine(ctx, tx, m); err != nil {
		return domain.Machine{}, fmt.Errorf("insert machine: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.MachineCreated, machineEntity, m.ID, opts.ActorID, events.EventPayload{"name": m.Name, "status": m.Status}); err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}

type SetMachineStatusOptions struct {
	MachineID string `json:"machine_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=operational maintenance down"`
	ActorID   string `json:"actor_id" validate:"required"`
}

func (e Engine) SetMachineStatus(ctx context.Context, opts SetMachineStatusOptions) (m domain.Machine, err error) {
	defer func() { e.observe(machineEntity, "set_status", opts.MachineID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.Machine{}, err
	}
	release, err := e.acquire(ctx, machineEntity, opts.MachineID)
	if err != nil {
		return domain.Machine{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()
	m, err = e.Repo.GetMachine(ctx, tx, opts.MachineID)
	if err != nil {
		return domain.Machine{}, err
	}
	from := m.Status
	if from == opts.Status {
		return m, nil
	}
	m.Status = opts.Status
	m.UpdatedAt = e.now()
	if err := e.Repo.UpdateMachine(ctx, tx, &m); err != nil {
		return domain.Machine{}, err
	}
	if err := e.events().Append(ctx, tx, events.MachineUpdated, machineEntity, m.ID, opts.ActorID, events.EventPayload{"from": from, "to": m.Status}); err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}

type DeleteMachineOptions struct {
	MachineID string `json:"machine_id" validate:"required"`
	ActorID   string `json:"actor_id" validate:"required"`
}

// DeleteMachine hard deletes a machine no work order or schedule references.
func (e Engine) DeleteMachine(ctx context.Context, opts DeleteMachineOptions) (err error) {
	defer func() { e.observe(machineEntity, "delete", opts.MachineID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return err
	}
	release, err := e.acquire(ctx, machineEntity, opts.MachineID)
	if err != nil {
		return err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMachine(ctx, tx, opts.MachineID)
	if err != nil {
		return err
	}
	refs, err := e.Repo.MachineReferences(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return domain.TransitionError{
			Entity: machineEntity, ID: m.ID, From: m.Status, Action: "delete", Code: domain.CodeMachineReferenced,
			Reason: fmt.Sprintf("machine %s is referenced by %d work orders or schedules", m.ID, refs),
		}
	}
	if err := e.Repo.DeleteMachine(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.MachineDeleted, machineEntity, m.ID, opts.ActorID, events.EventPayload{"name": m.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	return e.Repo.GetMachine(ctx, nil, id)
}

func (e Engine) ListMachines(ctx context.Context, status string) ([]domain.Machine, error) {
	return e.Repo.ListMachines(ctx, status)
}

type CreatePartOptions struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name" validate:"required"`
	PartNumber      string `json:"part_number" validate:"required"`
	QuantityInStock int    `json:"quantity_in_stock" validate:"gte=0"`
	MinStock        int    `json:"min_stock" validate:"gte=0"`
	Location        string `json:"location,omitempty"`
	ActorID         string `json:"actor_id" validate:"required"`
}

// CreatePart registers a part; opening stock is booked as a restock movement.
func (e Engine) CreatePart(ctx context.Context, opts CreatePartOptions) (p domain.Part, err error) {
	defer func() { e.observe(partEntity, "create", p.ID, opts.ActorID, err) }()
	opts.Name = strings.TrimSpace(opts.Name)
	opts.PartNumber = strings.TrimSpace(opts.PartNumber)
	if err := e.validate(opts); err != nil {
		return domain.Part{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.PartNumberExists(ctx, tx, opts.PartNumber)
	if err != nil {
		return domain.Part{}, err
	}
	if exists {
		return domain.Part{}, domain.ValidationError{Field: "part_number", Reason: fmt.Sprintf("%s already exists", opts.PartNumber)}
	}
	now := e.now()
	p = domain.Part{ID: opts.ID, Name: opts.Name, PartNumber: opts.PartNumber, MinStock: opts.MinStock, Location: opts.Location, CreatedAt: now, UpdatedAt: now, Version: 1}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := e.Repo.InsertPart(ctx, tx, p); err != nil {
		return domain.Part{}, fmt.Errorf("insert part: %w", err)
	}
	if opts.QuantityInStock > 0 {
		if _, err := e.Ledger().Restock(ctx, tx, ledger.Movement{PartID: p.ID, Quantity: opts.QuantityInStock, ActorID: opts.ActorID}); err != nil {
			return domain.Part{}, err
		}
	}
	if err := e.events().Append(ctx, tx, events.PartCreated, partEntity, p.ID, opts.ActorID, events.EventPayload{"part_number": p.PartNumber, "quantity_in_stock": opts.QuantityInStock}); err != nil {
		return domain.Part{}, err
	}
	if p, err = e.Repo.GetPart(ctx, tx, p.ID); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

type RestockPartOptions struct {
	PartID   string `json:"part_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
	RefID    string `json:"ref_id,omitempty"`
	ActorID  string `json:"actor_id" validate:"required"`
}

func (e Engine) RestockPart(ctx context.Context, opts RestockPartOptions) (p domain.Part, err error) {
	defer func() { e.observe(partEntity, "restock", opts.PartID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.Part{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()
	total, err := e.Ledger().Restock(ctx, tx, ledger.Movement{PartID: opts.PartID, Quantity: opts.Quantity, RefID: opts.RefID, ActorID: opts.ActorID})
	if err != nil {
		return domain.Part{}, err
	}
	if err := e.events().Append(ctx, tx, events.PartRestocked, partEntity, opts.PartID, opts.ActorID, events.EventPayload{"quantity": opts.Quantity, "quantity_in_stock": total}); err != nil {
		return domain.Part{}, err
	}
	if p, err = e.Repo.GetPart(ctx, tx, opts.PartID); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

type UpdatePartOptions struct {
	PartID   string  `json:"part_id" validate:"required"`
	Name     *string `json:"name,omitempty"`
	MinStock *int    `json:"min_stock,omitempty" validate:"omitempty,gte=0"`
	Location *string `json:"location,omitempty"`
	ActorID  string  `json:"actor_id" validate:"required"`
}

// UpdatePart edits catalog fields; stock quantities are not writable here.
func (e Engine) UpdatePart(ctx context.Context, opts UpdatePartOptions) (p domain.Part, err error) {
	defer func() { e.observe(partEntity, "update", opts.PartID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.Part{}, err
	}
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Part{}, domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	release, err := e.acquire(ctx, partEntity, opts.PartID)
	if err != nil {
		return domain.Part{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()
	p, err = e.Repo.GetPart(ctx, tx, opts.PartID)
	if err != nil {
		return domain.Part{}, err
	}
	if opts.Name != nil {
		p.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.MinStock != nil {
		p.MinStock = *opts.MinStock
	}
	if opts.Location != nil {
		p.Location = *opts.Location
	}
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdatePart(ctx, tx, &p); err != nil {
		return domain.Part{}, err
	}
	if err := e.events().Append(ctx, tx, events.PartUpdated, partEntity, p.ID, opts.ActorID, events.EventPayload{"min_stock": p.MinStock, "location": p.Location}); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

func (e Engine) GetPart(ctx context.Context, id string) (domain.Part, error) {
	return e.Repo.GetPart(ctx, nil, id)
}

func (e Engine) ListParts(ctx context.Context, f repo.PartFilters) ([]domain.Part, error) {
	return e.Repo.ListParts(ctx, f)
}

func (e Engine) StockMovements(ctx context.Context, partID string, limit int) ([]domain.StockMovement, error) {
	if _, err := e.Repo.GetPart(ctx, nil, partID); err != nil {
		return nil, err
	}
	return e.Ledger().Movements(ctx, partID, limit)
}

// Availability answers whether a part currently has at least Quantity in stock.
type Availability struct {
	PartID    string `json:"part_id"`
	Quantity  int    `json:"quantity"`
	Available bool   `json:"available"`
}

// CheckAvailability is advisory only. Decide and fulfill re-check stock inside their own transactions.
func (e Engine) CheckAvailability(ctx context.Context, partID string, qty int) (Availability, error) {
	if qty <= 0 {
		return Availability{}, domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	ok, err := e.Ledger().CheckAvailable(ctx, partID, qty)
	if err != nil {
		return Availability{}, err
	}
	return Availability{PartID: partID, Quantity: qty, Available: ok}, nil
}
