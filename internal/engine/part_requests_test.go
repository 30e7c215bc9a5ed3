package engine_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"maintline/internal/domain"
	"maintline/internal/engine"
)

func (env testEnv) submit(t *testing.T, id, woID string, items ...engine.PartRequestItemInput) domain.PartRequest {
	t.Helper()
	pr, err := env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{ID: id, WorkOrderID: woID, Items: items, ActorID: "tech"})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
	return pr
}

func (env testEnv) decide(t *testing.T, id, outcome string, items ...engine.ItemDecision) domain.PartRequest {
	t.Helper()
	pr, err := env.Engine.DecidePartRequest(env.Ctx, engine.DecidePartRequestOptions{RequestID: id, Outcome: outcome, Items: items, ActorID: "stores"})
	if err != nil {
		t.Fatalf("decide %s: %v", id, err)
	}
	return pr
}

func item(partID string, qty int) engine.PartRequestItemInput {
	return engine.PartRequestItemInput{PartID: partID, Quantity: qty}
}

func fulfillOpts(id string) engine.PartRequestActionOptions {
	return engine.PartRequestActionOptions{RequestID: id, ActorID: "stores"}
}

func TestRejectLeavesStockUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 2)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 4))

	pr := env.decide(t, "r1", domain.PartRequestRejected)
	if pr.Status != domain.PartRequestRejected || pr.DecidedBy == nil || pr.DecidedAt == nil {
		t.Fatalf("unexpected rejected request %+v", pr)
	}
	if pr.Items[0].Approved() != 0 {
		t.Fatalf("rejected items approve nothing, got %d", pr.Items[0].Approved())
	}
	if got := env.stock(t, "p1"); got != 10 {
		t.Fatalf("stock changed on reject: %d", got)
	}
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1")); transitionCode(err) != domain.CodeInvalidTransition {
		t.Fatalf("rejected request must not fulfill, got %v", err)
	}
}

func TestApproveAndFulfillDeductsExactly(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 2)
	env.part(t, "p2", 5, 0)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 3), item("p2", 5))
	env.decide(t, "r1", domain.PartRequestApproved)

	pr, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1"))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if pr.Status != domain.PartRequestFulfilled || pr.FulfilledBy == nil || *pr.FulfilledBy != "stores" {
		t.Fatalf("unexpected fulfilled request %+v", pr)
	}
	if got := env.stock(t, "p1"); got != 7 {
		t.Fatalf("p1 stock = %d, want 7", got)
	}
	if got := env.stock(t, "p2"); got != 0 {
		t.Fatalf("p2 stock = %d, want 0", got)
	}
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1")); transitionCode(err) != domain.CodeInvalidTransition {
		t.Fatalf("second fulfill must be refused, got %v", err)
	}
	if got := env.stock(t, "p1"); got != 7 {
		t.Fatalf("second fulfill moved stock: %d", got)
	}
}

func TestFulfillmentConflictLeavesStock(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 2)
	env.workOrder(t, "w1", "m1")
	env.workOrder(t, "w2", "m1")
	env.submit(t, "r1", "w1", item("p1", 8))
	env.submit(t, "r2", "w2", item("p1", 5))
	// Both are approved against the same stock of 10; only fulfillment deducts.
	env.decide(t, "r1", domain.PartRequestApproved)
	r2 := env.decide(t, "r2", domain.PartRequestApproved)
	if r2.Items[0].Approved() != 5 {
		t.Fatalf("r2 approved %d, want 5", r2.Items[0].Approved())
	}

	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1")); err != nil {
		t.Fatalf("fulfill r1: %v", err)
	}
	if got := env.stock(t, "p1"); got != 2 {
		t.Fatalf("stock after r1 = %d, want 2", got)
	}
	_, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r2"))
	var fe domain.FulfillmentConflictError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fulfillment conflict, got %v", err)
	}
	if len(fe.Shortages) != 1 || fe.Shortages[0].PartID != "p1" || fe.Shortages[0].Requested != 5 || fe.Shortages[0].Available != 2 {
		t.Fatalf("unexpected shortages %+v", fe.Shortages)
	}
	if !domain.Retryable(err) {
		t.Fatal("fulfillment conflict should be retryable")
	}
	if got := env.stock(t, "p1"); got != 2 {
		t.Fatalf("stock after conflict = %d, want 2", got)
	}
	r2, err = env.Engine.GetPartRequest(env.Ctx, "r2")
	if err != nil || r2.Status != domain.PartRequestApproved {
		t.Fatalf("r2 must stay approved, got %+v %v", r2, err)
	}
}

func TestFulfillmentIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "a", 10, 0)
	env.part(t, "b", 4, 0)
	env.workOrder(t, "w1", "m1")
	env.workOrder(t, "w2", "m1")
	env.submit(t, "r1", "w1", item("a", 6), item("b", 4))
	env.submit(t, "r2", "w2", item("b", 1))
	env.decide(t, "r1", domain.PartRequestApproved)
	env.decide(t, "r2", domain.PartRequestApproved)
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r2")); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1"))
	var fe domain.FulfillmentConflictError
	if !errors.As(err, &fe) || len(fe.Shortages) != 1 || fe.Shortages[0].PartID != "b" {
		t.Fatalf("expected shortage on b only, got %v", err)
	}
	if got := env.stock(t, "a"); got != 10 {
		t.Fatalf("deduction of a must roll back, stock %d", got)
	}
	if got := env.stock(t, "b"); got != 3 {
		t.Fatalf("b stock = %d, want 3", got)
	}
}

func TestDecideCapsApprovedQuantities(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 3, 0)
	env.part(t, "p2", 50, 0)
	env.part(t, "p3", 50, 0)
	env.workOrder(t, "w1", "m1")
	pr := env.submit(t, "r1", "w1", item("p1", 5), item("p2", 10), item("p3", 10))

	over, under := 99, 4
	pr = env.decide(t, "r1", domain.PartRequestApproved,
		engine.ItemDecision{ItemID: pr.Items[0].ID, QuantityApproved: &over},
		engine.ItemDecision{ItemID: pr.Items[1].ID, QuantityApproved: &under},
	)
	want := []int{3, 4, 10}
	for i, it := range pr.Items {
		if it.Approved() != want[i] {
			t.Fatalf("item %d approved %d, want %d", i, it.Approved(), want[i])
		}
		if it.Approved() > it.QuantityRequested {
			t.Fatalf("item %d approved more than requested", i)
		}
	}
	stored, err := env.Engine.GetPartRequest(env.Ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	for i, it := range stored.Items {
		if it.Approved() != want[i] {
			t.Fatalf("stored item %d approved %d, want %d", i, it.Approved(), want[i])
		}
	}
}

func TestDecideSharesStockAcrossItemsOfOnePart(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 5, 0)
	env.workOrder(t, "w1", "m1")
	pr := env.submit(t, "r1", "w1", item("p1", 5), item("p1", 5))

	pr = env.decide(t, "r1", domain.PartRequestApproved)
	if pr.Items[0].Approved() != 5 || pr.Items[1].Approved() != 0 {
		t.Fatalf("approved %d and %d, want 5 and 0", pr.Items[0].Approved(), pr.Items[1].Approved())
	}
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1")); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := env.stock(t, "p1"); got != 0 {
		t.Fatalf("stock %d, want 0", got)
	}
}

func TestDecideValidation(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 3, 0)
	env.workOrder(t, "w1", "m1")
	pr := env.submit(t, "r1", "w1", item("p1", 2))

	neg := -1
	cases := []struct {
		name string
		opts engine.DecidePartRequestOptions
	}{
		{"bad outcome", engine.DecidePartRequestOptions{RequestID: "r1", Outcome: "maybe", ActorID: "s"}},
		{"unknown item", engine.DecidePartRequestOptions{RequestID: "r1", Outcome: "approved", Items: []engine.ItemDecision{{ItemID: "nope"}}, ActorID: "s"}},
		{"negative", engine.DecidePartRequestOptions{RequestID: "r1", Outcome: "approved", Items: []engine.ItemDecision{{ItemID: pr.Items[0].ID, QuantityApproved: &neg}}, ActorID: "s"}},
		{"duplicate", engine.DecidePartRequestOptions{RequestID: "r1", Outcome: "approved", Items: []engine.ItemDecision{{ItemID: pr.Items[0].ID}, {ItemID: pr.Items[0].ID}}, ActorID: "s"}},
		{"no actor", engine.DecidePartRequestOptions{RequestID: "r1", Outcome: "approved"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.DecidePartRequest(env.Ctx, tc.opts)
			var ve domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	got, err := env.Engine.GetPartRequest(env.Ctx, "r1")
	if err != nil || got.Status != domain.PartRequestPending {
		t.Fatalf("request must stay pending, got %+v %v", got, err)
	}
	if _, err := env.Engine.DecidePartRequest(env.Ctx, engine.DecidePartRequestOptions{RequestID: "missing", Outcome: "approved", ActorID: "s"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 3, 0)
	env.workOrder(t, "w1", "m1")

	var ve domain.ValidationError
	if _, err := env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{WorkOrderID: "w1", ActorID: "t"}); !errors.As(err, &ve) || ve.Field != "items" {
		t.Fatalf("expected items validation error, got %v", err)
	}
	_, err := env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{WorkOrderID: "w1", Items: []engine.PartRequestItemInput{item("p1", 1), item("p1", 0)}, ActorID: "t"})
	if !errors.As(err, &ve) || ve.Field != "items[1].quantity_requested" {
		t.Fatalf("expected quantity validation error, got %v", err)
	}
	if _, err := env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{WorkOrderID: "w1", Items: []engine.PartRequestItemInput{item("ghost", 1)}, ActorID: "t"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown part not found, got %v", err)
	}
	if _, err := env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{WorkOrderID: "ghost", Items: []engine.PartRequestItemInput{item("p1", 1)}, ActorID: "t"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown work order not found, got %v", err)
	}

	// Requests beyond stock are accepted; stock is only checked on decide and fulfill.
	pr := env.submit(t, "r1", "w1", item("p1", 30))
	if pr.Status != domain.PartRequestPending || len(pr.Items) != 1 || pr.Items[0].QuantityApproved != nil {
		t.Fatalf("unexpected submitted request %+v", pr)
	}
	wo, err := env.Engine.GetWorkOrder(env.Ctx, "w1")
	if err != nil || wo.OutstandingPartRequests != 1 {
		t.Fatalf("outstanding count not refreshed: %+v %v", wo, err)
	}

	if _, err := env.Engine.CancelWorkOrder(env.Ctx, engine.WorkOrderActionOptions{WorkOrderID: "w1", ActorID: "p"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitPartRequest(env.Ctx, engine.SubmitPartRequestOptions{WorkOrderID: "w1", Items: []engine.PartRequestItemInput{item("p1", 1)}, ActorID: "t"})
	if transitionCode(err) != domain.CodeWorkOrderClosed {
		t.Fatalf("expected work_order_closed, got %v", err)
	}
}

func TestCancelAndRevertPartRequest(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 2))
	env.decide(t, "r1", domain.PartRequestApproved)

	pr, err := env.Engine.RevertPartRequestApproval(env.Ctx, fulfillOpts("r1"))
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if pr.Status != domain.PartRequestPending || pr.DecidedBy != nil || pr.Items[0].QuantityApproved != nil {
		t.Fatalf("unexpected reverted request %+v", pr)
	}
	if _, err := env.Engine.RevertPartRequestApproval(env.Ctx, fulfillOpts("r1")); transitionCode(err) != domain.CodeInvalidTransition {
		t.Fatalf("pending request must not revert, got %v", err)
	}

	pr, err = env.Engine.CancelPartRequest(env.Ctx, fulfillOpts("r1"))
	if err != nil || pr.Status != domain.PartRequestCancelled {
		t.Fatalf("cancel: %+v %v", pr, err)
	}
	if _, err := env.Engine.CancelPartRequest(env.Ctx, fulfillOpts("r1")); transitionCode(err) != domain.CodeInvalidTransition {
		t.Fatalf("cancelled request must not cancel again, got %v", err)
	}
	wo, err := env.Engine.GetWorkOrder(env.Ctx, "w1")
	if err != nil || wo.OutstandingPartRequests != 0 {
		t.Fatalf("cancelled request still outstanding: %+v %v", wo, err)
	}
	if got := env.stock(t, "p1"); got != 10 {
		t.Fatalf("stock moved: %d", got)
	}
}

func TestConcurrentDecideHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 2))

	outcomes := []string{domain.PartRequestApproved, domain.PartRequestRejected}
	errs := make([]error, len(outcomes))
	var wg sync.WaitGroup
	for i, outcome := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.DecidePartRequest(env.Ctx, engine.DecidePartRequestOptions{RequestID: "r1", Outcome: outcome, ActorID: fmt.Sprintf("stores-%d", i)})
		}()
	}
	wg.Wait()

	ok, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case transitionCode(err) == domain.CodeInvalidTransition:
			refused++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || refused != 1 {
		t.Fatalf("expected one winner and one refusal, got ok=%d refused=%d", ok, refused)
	}
}

func TestConcurrentFulfillmentsNeverOversell(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 12, 0)
	const n = 8
	for i := 0; i < n; i++ {
		wo := fmt.Sprintf("w%d", i)
		env.workOrder(t, wo, "m1")
		env.submit(t, fmt.Sprintf("r%d", i), wo, item("p1", 3))
		env.decide(t, fmt.Sprintf("r%d", i), domain.PartRequestApproved)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts(fmt.Sprintf("r%d", i)))
		}()
	}
	wg.Wait()

	fulfilled := 0
	for _, err := range errs {
		var fe domain.FulfillmentConflictError
		switch {
		case err == nil:
			fulfilled++
		case errors.As(err, &fe):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if fulfilled != 4 {
		t.Fatalf("fulfilled %d requests, want 4", fulfilled)
	}
	if got := env.stock(t, "p1"); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
}
