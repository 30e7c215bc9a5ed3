// Package guard holds the pure preconditions of the work order and part request state machines.
// Guards evaluate already-loaded state and never touch storage.
package guard

import (
	"fmt"
	"sort"
	"strings"

	"maintline/internal/domain"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed  bool
	Code     string
	Reason   string
	Blocking []string
}

// Err converts a refused result into a domain.TransitionError.
func (r GuardResult) Err(entity, id, from, action string) error {
	if r.Allowed {
		return nil
	}
	return domain.TransitionError{
		Entity:   entity,
		ID:       id,
		From:     from,
		Action:   action,
		Code:     r.Code,
		Reason:   r.Reason,
		Blocking: r.Blocking,
	}
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func refuse(code, format string, args ...any) GuardResult {
	return GuardResult{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// LinkedRequest is the slice of a part request the work order guards need.
type LinkedRequest struct {
	ID     string
	Status string
}

// WorkOrderContext carries the work order state evaluated by the work order guards.
type WorkOrderContext struct {
	WorkOrderID string
	Status      string
	AssignedTo  string // empty when unassigned
	Requests    []LinkedRequest
}

func terminalWorkOrder(status string) bool {
	return status == domain.WorkOrderCompleted || status == domain.WorkOrderCancelled
}

// CanAssign evaluates whether a technician can be assigned.
// Rules:
// - Work order must not be completed or cancelled
// - Work order must not already have an assignee
func CanAssign(ctx WorkOrderContext) GuardResult {
	if terminalWorkOrder(ctx.Status) {
		return refuse(domain.CodeInvalidTransition, "cannot assign work order %s in status %s", ctx.WorkOrderID, ctx.Status)
	}
	if ctx.AssignedTo != "" {
		return refuse(domain.CodeAlreadyAssigned, "work order %s is already assigned to %s", ctx.WorkOrderID, ctx.AssignedTo)
	}
	return allow()
}

// CanStart evaluates whether a work order can be started.
// Rules:
// - Status must be "pending"
func CanStart(ctx WorkOrderContext) GuardResult {
	if ctx.Status != domain.WorkOrderPending {
		return refuse(domain.CodeInvalidTransition, "can only start pending work orders (work order %s is %s)", ctx.WorkOrderID, ctx.Status)
	}
	return allow()
}

// CompletionGate refuses while any linked part request is pending or approved.
func CompletionGate(workOrderID string, requests []LinkedRequest) GuardResult {
	var blocking []string
	for _, r := range requests {
		if domain.Outstanding(r.Status) {
			blocking = append(blocking, r.ID)
		}
	}
	if len(blocking) == 0 {
		return allow()
	}
	sort.Strings(blocking)
	res := refuse(domain.CodePartRequestsOutstanding, "work order %s has outstanding part requests: %s", workOrderID, strings.Join(blocking, ", "))
	res.Blocking = blocking
	return res
}

// CanComplete evaluates whether a work order can be completed.
// Rules:
// - Status must be "in_progress"
// - No linked part request may be outstanding
func CanComplete(ctx WorkOrderContext) GuardResult {
	if ctx.Status != domain.WorkOrderInProgress {
		return refuse(domain.CodeInvalidTransition, "can only complete in_progress work orders (work order %s is %s)", ctx.WorkOrderID, ctx.Status)
	}
	return CompletionGate(ctx.WorkOrderID, ctx.Requests)
}

// CanCancelWorkOrder evaluates whether a work order can be cancelled.
// Rules:
// - Status must be "pending" or "in_progress"
func CanCancelWorkOrder(ctx WorkOrderContext) GuardResult {
	if terminalWorkOrder(ctx.Status) {
		return refuse(domain.CodeInvalidTransition, "cannot cancel work order %s in status %s", ctx.WorkOrderID, ctx.Status)
	}
	return allow()
}

// CanDeleteWorkOrder evaluates whether a work order can be soft deleted.
// Rules:
// - No linked part request may be approved
// - An in_progress work order may not have any outstanding part request
func CanDeleteWorkOrder(ctx WorkOrderContext) GuardResult {
	var blocking []string
	for _, r := range ctx.Requests {
		switch {
		case r.Status == domain.PartRequestApproved:
			blocking = append(blocking, r.ID)
		case ctx.Status == domain.WorkOrderInProgress && domain.Outstanding(r.Status):
			blocking = append(blocking, r.ID)
		}
	}
	if len(blocking) == 0 {
		return allow()
	}
	sort.Strings(blocking)
	res := refuse(domain.CodePartRequestsOutstanding, "work order %s cannot be deleted while part requests are outstanding: %s", ctx.WorkOrderID, strings.Join(blocking, ", "))
	res.Blocking = blocking
	return res
}

// CanSubmit evaluates whether a part request may be raised against a work order.
// Rules:
// - Work order must be "pending" or "in_progress"
func CanSubmit(ctx WorkOrderContext) GuardResult {
	if terminalWorkOrder(ctx.Status) {
		return refuse(domain.CodeWorkOrderClosed, "work order %s is %s; part requests can no longer be submitted", ctx.WorkOrderID, ctx.Status)
	}
	return allow()
}

// RequestContext carries the part request state evaluated by the request guards.
type RequestContext struct {
	RequestID string
	Status    string
}

func requireRequestStatus(ctx RequestContext, want, action string) GuardResult {
	if ctx.Status != want {
		return refuse(domain.CodeInvalidTransition, "can only %s %s part requests (part request %s is %s)", action, want, ctx.RequestID, ctx.Status)
	}
	return allow()
}

// CanDecide requires a pending request.
func CanDecide(ctx RequestContext) GuardResult {
	return requireRequestStatus(ctx, domain.PartRequestPending, "decide")
}

// CanFulfill requires an approved request.
func CanFulfill(ctx RequestContext) GuardResult {
	return requireRequestStatus(ctx, domain.PartRequestApproved, "fulfill")
}

// CanCancelRequest requires a pending request.
func CanCancelRequest(ctx RequestContext) GuardResult {
	return requireRequestStatus(ctx, domain.PartRequestPending, "cancel")
}

// CanRevert requires an approved request.
func CanRevert(ctx RequestContext) GuardResult {
	return requireRequestStatus(ctx, domain.PartRequestApproved, "revert")
}

// ApprovedQuantity applies the capping law: the approved quantity is the supplied quantity
// (or the requested one when none is supplied) capped by the requested quantity and by stock.
// Negative inputs collapse to zero.
func ApprovedQuantity(requested int, supplied *int, stock int) int {
	q := requested
	if supplied != nil {
		q = *supplied
	}
	if q > requested {
		q = requested
	}
	if q > stock {
		q = stock
	}
	if q < 0 {
		q = 0
	}
	return q
}
