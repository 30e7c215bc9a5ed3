package guard

import (
	"errors"
	"fmt"
	"testing"

	"maintline/internal/domain"
)

var requestStatuses = []string{
	domain.PartRequestPending,
	domain.PartRequestApproved,
	domain.PartRequestRejected,
	domain.PartRequestFulfilled,
	domain.PartRequestCancelled,
}

func TestCanAssign(t *testing.T) {
	tests := []struct {
		name        string
		ctx         WorkOrderContext
		wantAllowed bool
		wantCode    string
		wantReason  string
	}{
		{
			name:        "can assign unassigned pending work order",
			ctx:         WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderPending},
			wantAllowed: true,
		},
		{
			name:        "can assign unassigned in_progress work order",
			ctx:         WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderInProgress},
			wantAllowed: true,
		},
		{
			name:        "cannot reassign",
			ctx:         WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderPending, AssignedTo: "tech-a"},
			wantAllowed: false,
			wantCode:    domain.CodeAlreadyAssigned,
			wantReason:  "work order WO-1 is already assigned to tech-a",
		},
		{
			name:        "cannot assign completed work order",
			ctx:         WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderCompleted},
			wantAllowed: false,
			wantCode:    domain.CodeInvalidTransition,
			wantReason:  "cannot assign work order WO-1 in status completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanAssign(tt.ctx)
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if !tt.wantAllowed {
				if result.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", result.Code, tt.wantCode)
				}
				if result.Reason != tt.wantReason {
					t.Errorf("Reason = %q, want %q", result.Reason, tt.wantReason)
				}
			}
		})
	}
}

func TestCanStartAndCancel(t *testing.T) {
	tests := []struct {
		status     string
		wantStart  bool
		wantCancel bool
	}{
		{domain.WorkOrderPending, true, true},
		{domain.WorkOrderInProgress, false, true},
		{domain.WorkOrderCompleted, false, false},
		{domain.WorkOrderCancelled, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ctx := WorkOrderContext{WorkOrderID: "WO-1", Status: tt.status}
			if got := CanStart(ctx).Allowed; got != tt.wantStart {
				t.Errorf("CanStart = %v, want %v", got, tt.wantStart)
			}
			if got := CanCancelWorkOrder(ctx).Allowed; got != tt.wantCancel {
				t.Errorf("CanCancelWorkOrder = %v, want %v", got, tt.wantCancel)
			}
		})
	}
}

func TestCompletionGateExhaustive(t *testing.T) {
	for _, a := range requestStatuses {
		for _, b := range requestStatuses {
			name := fmt.Sprintf("%s+%s", a, b)
			t.Run(name, func(t *testing.T) {
				reqs := []LinkedRequest{{ID: "PR-A", Status: a}, {ID: "PR-B", Status: b}}
				want := !domain.Outstanding(a) && !domain.Outstanding(b)
				result := CanComplete(WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderInProgress, Requests: reqs})
				if result.Allowed != want {
					t.Fatalf("Allowed = %v, want %v", result.Allowed, want)
				}
				if want {
					return
				}
				if result.Code != domain.CodePartRequestsOutstanding {
					t.Errorf("Code = %q", result.Code)
				}
				var wantBlocking []string
				if domain.Outstanding(a) {
					wantBlocking = append(wantBlocking, "PR-A")
				}
				if domain.Outstanding(b) {
					wantBlocking = append(wantBlocking, "PR-B")
				}
				if fmt.Sprint(result.Blocking) != fmt.Sprint(wantBlocking) {
					t.Errorf("Blocking = %v, want %v", result.Blocking, wantBlocking)
				}
			})
		}
	}
}

func TestCanCompleteRequiresInProgress(t *testing.T) {
	for _, status := range []string{domain.WorkOrderPending, domain.WorkOrderCompleted, domain.WorkOrderCancelled} {
		result := CanComplete(WorkOrderContext{WorkOrderID: "WO-1", Status: status})
		if result.Allowed {
			t.Fatalf("expected completion from %s to be refused", status)
		}
		if result.Code != domain.CodeInvalidTransition {
			t.Fatalf("Code = %q for %s", result.Code, status)
		}
	}
	if !CanComplete(WorkOrderContext{WorkOrderID: "WO-1", Status: domain.WorkOrderInProgress}).Allowed {
		t.Fatalf("in_progress work order without requests should complete")
	}
}

func TestCanDeleteWorkOrder(t *testing.T) {
	tests := []struct {
		name         string
		ctx          WorkOrderContext
		wantAllowed  bool
		wantBlocking []string
	}{
		{
			name:        "completed work order with fulfilled request",
			ctx:         WorkOrderContext{WorkOrderID: "W1", Status: domain.WorkOrderCompleted, Requests: []LinkedRequest{{ID: "R1", Status: domain.PartRequestFulfilled}}},
			wantAllowed: true,
		},
		{
			name:        "pending work order with pending request cascades",
			ctx:         WorkOrderContext{WorkOrderID: "W1", Status: domain.WorkOrderPending, Requests: []LinkedRequest{{ID: "R1", Status: domain.PartRequestPending}}},
			wantAllowed: true,
		},
		{
			name:         "approved request blocks",
			ctx:          WorkOrderContext{WorkOrderID: "W1", Status: domain.WorkOrderPending, Requests: []LinkedRequest{{ID: "R1", Status: domain.PartRequestApproved}}},
			wantAllowed:  false,
			wantBlocking: []string{"R1"},
		},
		{
			name: "in_progress with pending request blocks",
			ctx: WorkOrderContext{WorkOrderID: "W2", Status: domain.WorkOrderInProgress, Requests: []LinkedRequest{
				{ID: "R2", Status: domain.PartRequestPending},
				{ID: "R1", Status: domain.PartRequestRejected},
			}},
			wantAllowed:  false,
			wantBlocking: []string{"R2"},
		},
		{
			name:        "in_progress without outstanding requests",
			ctx:         WorkOrderContext{WorkOrderID: "W2", Status: domain.WorkOrderInProgress, Requests: []LinkedRequest{{ID: "R1", Status: domain.PartRequestCancelled}}},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanDeleteWorkOrder(tt.ctx)
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if !tt.wantAllowed {
				if result.Code != domain.CodePartRequestsOutstanding {
					t.Errorf("Code = %q", result.Code)
				}
				if fmt.Sprint(result.Blocking) != fmt.Sprint(tt.wantBlocking) {
					t.Errorf("Blocking = %v, want %v", result.Blocking, tt.wantBlocking)
				}
			}
		})
	}
}

func TestCanSubmit(t *testing.T) {
	tests := []struct {
		status      string
		wantAllowed bool
	}{
		{domain.WorkOrderPending, true},
		{domain.WorkOrderInProgress, true},
		{domain.WorkOrderCompleted, false},
		{domain.WorkOrderCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			result := CanSubmit(WorkOrderContext{WorkOrderID: "WO-1", Status: tt.status})
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if !tt.wantAllowed && result.Code != domain.CodeWorkOrderClosed {
				t.Errorf("Code = %q", result.Code)
			}
		})
	}
}

func TestRequestGuards(t *testing.T) {
	guards := map[string]struct {
		fn    func(RequestContext) GuardResult
		allow string
	}{
		"decide":  {CanDecide, domain.PartRequestPending},
		"fulfill": {CanFulfill, domain.PartRequestApproved},
		"cancel":  {CanCancelRequest, domain.PartRequestPending},
		"revert":  {CanRevert, domain.PartRequestApproved},
	}
	for action, g := range guards {
		for _, status := range requestStatuses {
			t.Run(action+"/"+status, func(t *testing.T) {
				result := g.fn(RequestContext{RequestID: "PR-1", Status: status})
				want := status == g.allow
				if result.Allowed != want {
					t.Fatalf("Allowed = %v, want %v", result.Allowed, want)
				}
				if !want {
					wantReason := fmt.Sprintf("can only %s %s part requests (part request PR-1 is %s)", action, g.allow, status)
					if result.Reason != wantReason {
						t.Errorf("Reason = %q, want %q", result.Reason, wantReason)
					}
				}
			})
		}
	}
}

func TestGuardResultErr(t *testing.T) {
	if err := allow().Err("work_order", "W1", "pending", "start"); err != nil {
		t.Fatalf("allowed result produced error %v", err)
	}
	err := CompletionGate("W1", []LinkedRequest{{ID: "R1", Status: domain.PartRequestPending}}).Err("work_order", "W1", "in_progress", "complete")
	var te domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %T", err)
	}
	if te.Code != domain.CodePartRequestsOutstanding || len(te.Blocking) != 1 || te.Blocking[0] != "R1" {
		t.Fatalf("unexpected transition error %+v", te)
	}
	if domain.Retryable(err) {
		t.Fatalf("transition errors are not retryable")
	}
}

func intPtr(v int) *int { return &v }

func TestApprovedQuantity(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		supplied  *int
		stock     int
		want      int
	}{
		{"defaults to requested", 5, nil, 10, 5},
		{"default capped by stock", 5, nil, 3, 3},
		{"supplied below requested", 5, intPtr(2), 10, 2},
		{"over-supply capped by requested", 5, intPtr(9), 10, 5},
		{"over-supply capped by stock", 5, intPtr(9), 4, 4},
		{"zero stock", 5, intPtr(5), 0, 0},
		{"explicit zero", 5, intPtr(0), 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApprovedQuantity(tt.requested, tt.supplied, tt.stock); got != tt.want {
				t.Errorf("ApprovedQuantity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApprovedQuantityLaw(t *testing.T) {
	for requested := 1; requested <= 6; requested++ {
		for stock := 0; stock <= 6; stock++ {
			for s := 0; s <= 8; s++ {
				supplied := s
				q := ApprovedQuantity(requested, &supplied, stock)
				want := min(supplied, requested, stock)
				if q != want || q > requested || q > stock {
					t.Fatalf("requested=%d supplied=%d stock=%d: got %d want %d", requested, supplied, stock, q, want)
				}
			}
		}
	}
}
