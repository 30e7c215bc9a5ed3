package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"maintline/internal/domain"
	"maintline/internal/engine/guard"
	"maintline/internal/events"
	"maintline/internal/ledger"
)

const partRequestEntity = "part_request"

type PartRequestItemInput struct {
	PartID   string `json:"part_id" validate:"required"`
	Quantity int    `json:"quantity_requested" validate:"gt=0"`
	Note     string `json:"item_note,omitempty"`
}

// SubmitPartRequestOptions are parameters for raising a part request against a work order.
type SubmitPartRequestOptions struct {
	ID          string                 `json:"id,omitempty"`
	WorkOrderID string                 `json:"work_order_id" validate:"required"`
	Items       []PartRequestItemInput `json:"items" validate:"required,min=1,dive"`
	Note        string                 `json:"note,omitempty"`
	ActorID     string                 `json:"actor_id" validate:"required"`
}

func (e Engine) SubmitPartRequest(ctx context.Context, opts SubmitPartRequestOptions) (pr domain.PartRequest, err error) {
	defer func() { e.observe(partRequestEntity, "submit", pr.ID, opts.ActorID, err) }()
	for i := range opts.Items {
		opts.Items[i].PartID = strings.TrimSpace(opts.Items[i].PartID)
	}
	if err := e.validate(opts); err != nil {
		return domain.PartRequest{}, err
	}
	release, err := e.acquire(ctx, workOrderEntity, opts.WorkOrderID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer tx.Rollback()
	wo, err := e.Repo.GetWorkOrder(ctx, tx, opts.WorkOrderID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	if err := guard.CanSubmit(workOrderContext(wo, nil)).Err(workOrderEntity, wo.ID, wo.Status, "submit part request for"); err != nil {
		return domain.PartRequest{}, err
	}
	for _, it := range opts.Items {
		if _, err := e.Repo.GetPart(ctx, tx, it.PartID); err != nil {
			return domain.PartRequest{}, err
		}
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.PartRequest{}, err
	}
	now := e.now()
	pr = domain.PartRequest{
		ID:          opts.ID,
		WorkOrderID: wo.ID,
		RequestedBy: opts.ActorID,
		Status:      domain.PartRequestPending,
		Note:        opts.Note,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	for i, it := range opts.Items {
		pr.Items = append(pr.Items, domain.PartRequestItem{
			ID:                uuid.New().String(),
			PartRequestID:     pr.ID,
			Position:          i + 1,
			PartID:            it.PartID,
			QuantityRequested: it.Quantity,
			ItemNote:          it.Note,
		})
	}
	if err := e.Repo.InsertPartRequest(ctx, tx, pr); err != nil {
		return domain.PartRequest{}, err
	}
	if _, err := e.Repo.RefreshOutstanding(ctx, tx, wo.ID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.PartRequestCreated, partRequestEntity, pr.ID, opts.ActorID, events.EventPayload{"work_order_id": wo.ID, "items": len(pr.Items)}); err != nil {
		return domain.PartRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PartRequest{}, err
	}
	return pr, nil
}

// lockRequest serializes a part request command on its owning work order.
// The work order of a request never changes, so it is safe to read it before locking.
func (e Engine) lockRequest(ctx context.Context, requestID string) (func(), error) {
	pr, err := e.Repo.GetPartRequest(ctx, nil, requestID)
	if err != nil {
		return nil, err
	}
	return e.acquire(ctx, workOrderEntity, pr.WorkOrderID)
}

type ItemDecision struct {
	ItemID           string `json:"item_id" validate:"required"`
	QuantityApproved *int   `json:"quantity_approved,omitempty"`
}

type DecidePartRequestOptions struct {
	RequestID string         `json:"request_id" validate:"required"`
	Outcome   string         `json:"outcome" validate:"required,oneof=approved rejected"`
	Items     []ItemDecision `json:"items,omitempty" validate:"dive"`
	ActorID   string         `json:"actor_id" validate:"required"`
}

// DecidePartRequest approves or rejects a pending request.
// Approved quantities default to the requested quantity and are capped by it and by the stock
// not already approved to an earlier item of the same request.
func (e Engine) DecidePartRequest(ctx context.Context, opts DecidePartRequestOptions) (pr domain.PartRequest, err error) {
	defer func() { e.observe(partRequestEntity, "decide", opts.RequestID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.PartRequest{}, err
	}
	release, err := e.lockRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer tx.Rollback()
	pr, err = e.Repo.GetPartRequest(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	if err := guard.CanDecide(guard.RequestContext{RequestID: pr.ID, Status: pr.Status}).Err(partRequestEntity, pr.ID, pr.Status, "decide"); err != nil {
		return domain.PartRequest{}, err
	}
	supplied, err := itemDecisions(pr, opts.Items)
	if err != nil {
		return domain.PartRequest{}, err
	}
	approved := map[string]int{}
	// Items naming the same part share its stock, allocated in item order.
	remaining := map[string]int{}
	for i := range pr.Items {
		it := &pr.Items[i]
		q := 0
		if opts.Outcome == domain.PartRequestApproved {
			stock, seen := remaining[it.PartID]
			if !seen {
				if stock, err = e.Ledger().Available(ctx, tx, it.PartID); err != nil {
					return domain.PartRequest{}, err
				}
			}
			q = guard.ApprovedQuantity(it.QuantityRequested, supplied[it.ID], stock)
			remaining[it.PartID] = stock - q
		}
		it.QuantityApproved = ptr(q)
		approved[it.ID] = q
	}
	now := e.now()
	pr.Status = opts.Outcome
	pr.DecidedBy = ptr(opts.ActorID)
	pr.DecidedAt = &now
	pr.UpdatedAt = now
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.Repo.UpdatePartRequest(ctx, tx, &pr); err != nil {
		return domain.PartRequest{}, err
	}
	if _, err := e.Repo.RefreshOutstanding(ctx, tx, pr.WorkOrderID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.PartRequestDecided, partRequestEntity, pr.ID, opts.ActorID, events.EventPayload{"outcome": opts.Outcome, "approved": approved}); err != nil {
		return domain.PartRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PartRequest{}, err
	}
	return pr, nil
}

func itemDecisions(pr domain.PartRequest, decisions []ItemDecision) (map[string]*int, error) {
	known := map[string]bool{}
	for _, it := range pr.Items {
		known[it.ID] = true
	}
	res := map[string]*int{}
	for i, d := range decisions {
		field := fmt.Sprintf("items[%d]", i)
		if !known[d.ItemID] {
			return nil, domain.ValidationError{Field: field + ".item_id", Reason: fmt.Sprintf("item %s does not belong to part request %s", d.ItemID, pr.ID)}
		}
		if _, dup := res[d.ItemID]; dup {
			return nil, domain.ValidationError{Field: field + ".item_id", Reason: fmt.Sprintf("item %s decided twice", d.ItemID)}
		}
		if d.QuantityApproved != nil && *d.QuantityApproved < 0 {
			return nil, domain.ValidationError{Field: field + ".quantity_approved", Reason: "must not be negative"}
		}
		res[d.ItemID] = d.QuantityApproved
	}
	return res, nil
}

type PartRequestActionOptions struct {
	RequestID string `json:"request_id" validate:"required"`
	ActorID   string `json:"actor_id" validate:"required"`
}

// FulfillPartRequest deducts every approved quantity in one transaction.
// Any shortage rolls back all deductions and returns a FulfillmentConflictError naming every short part.
func (e Engine) FulfillPartRequest(ctx context.Context, opts PartRequestActionOptions) (pr domain.PartRequest, err error) {
	defer func() { e.observe(partRequestEntity, "fulfill", opts.RequestID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.PartRequest{}, err
	}
	release, err := e.lockRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer tx.Rollback()
	pr, err = e.Repo.GetPartRequest(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	if err := guard.CanFulfill(guard.RequestContext{RequestID: pr.ID, Status: pr.Status}).Err(partRequestEntity, pr.ID, pr.Status, "fulfill"); err != nil {
		return domain.PartRequest{}, err
	}
	led := e.Ledger()
	var shortages []domain.InsufficientStockError
	deducted := map[string]int{}
	for _, it := range pr.Items {
		q := it.Approved()
		if q <= 0 {
			continue
		}
		_, err := led.CommitDeduction(ctx, tx, ledger.Movement{PartID: it.PartID, Quantity: q, RefID: pr.ID, ActorID: opts.ActorID})
		if err != nil {
			var se domain.InsufficientStockError
			if errors.As(err, &se) {
				shortages = append(shortages, se)
				continue
			}
			return domain.PartRequest{}, err
		}
		deducted[it.PartID] += q
	}
	if len(shortages) > 0 {
		return domain.PartRequest{}, domain.FulfillmentConflictError{RequestID: pr.ID, Shortages: shortages}
	}
	now := e.now()
	pr.Status = domain.PartRequestFulfilled
	pr.FulfilledBy = ptr(opts.ActorID)
	pr.FulfilledAt = &now
	pr.UpdatedAt = now
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.Repo.UpdatePartRequest(ctx, tx, &pr); err != nil {
		return domain.PartRequest{}, err
	}
	if _, err := e.Repo.RefreshOutstanding(ctx, tx, pr.WorkOrderID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.PartRequestFulfill, partRequestEntity, pr.ID, opts.ActorID, events.EventPayload{"deducted": deducted}); err != nil {
		return domain.PartRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PartRequest{}, err
	}
	return pr, nil
}

func (e Engine) CancelPartRequest(ctx context.Context, opts PartRequestActionOptions) (domain.PartRequest, error) {
	return e.simpleRequestTransition(ctx, opts, "cancel", guard.CanCancelRequest, events.PartRequestCancel, func(pr *domain.PartRequest) {
		pr.Status = domain.PartRequestCancelled
	})
}

// RevertPartRequestApproval returns an approved request to pending and clears its approved quantities.
// Stock is untouched because nothing is deducted before fulfillment.
func (e Engine) RevertPartRequestApproval(ctx context.Context, opts PartRequestActionOptions) (domain.PartRequest, error) {
	return e.simpleRequestTransition(ctx, opts, "revert", guard.CanRevert, events.PartRequestReverted, func(pr *domain.PartRequest) {
		pr.Status = domain.PartRequestPending
		pr.DecidedBy = nil
		pr.DecidedAt = nil
		for i := range pr.Items {
			pr.Items[i].QuantityApproved = nil
		}
	})
}

func (e Engine) simpleRequestTransition(ctx context.Context, opts PartRequestActionOptions, action string, check func(guard.RequestContext) guard.GuardResult, evtType string, apply func(*domain.PartRequest)) (pr domain.PartRequest, err error) {
	defer func() { e.observe(partRequestEntity, action, opts.RequestID, opts.ActorID, err) }()
	if err := e.validate(opts); err != nil {
		return domain.PartRequest{}, err
	}
	release, err := e.lockRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PartRequest{}, err
	}
	defer tx.Rollback()
	pr, err = e.Repo.GetPartRequest(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.PartRequest{}, err
	}
	from := pr.Status
	if err := check(guard.RequestContext{RequestID: pr.ID, Status: pr.Status}).Err(partRequestEntity, pr.ID, pr.Status, action); err != nil {
		return domain.PartRequest{}, err
	}
	apply(&pr)
	pr.UpdatedAt = e.now()
	if err := e.Repo.UpdatePartRequest(ctx, tx, &pr); err != nil {
		return domain.PartRequest{}, err
	}
	if _, err := e.Repo.RefreshOutstanding(ctx, tx, pr.WorkOrderID); err != nil {
		return domain.PartRequest{}, err
	}
	if err := e.events().Append(ctx, tx, evtType, partRequestEntity, pr.ID, opts.ActorID, events.EventPayload{"from": from, "to": pr.Status}); err != nil {
		return domain.PartRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PartRequest{}, err
	}
	return pr, nil
}
