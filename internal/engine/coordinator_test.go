package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
)

func complete(env testEnv, id string) (domain.WorkOrder, error) {
	return env.Engine.CompleteWorkOrder(env.Ctx, engine.CompleteWorkOrderOptions{WorkOrderID: id, CompletedAt: day0.Add(time.Hour), Description: "done", ActorID: "tech"})
}

func TestCompletionWaitsForOutstandingRequests(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.start(t, "w1")
	env.submit(t, "r1", "w1", item("p1", 2))
	env.submit(t, "r2", "w1", item("p1", 1))
	env.decide(t, "r1", domain.PartRequestApproved)
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r1")); err != nil {
		t.Fatal(err)
	}

	_, err := complete(env, "w1")
	var te domain.TransitionError
	if !errors.As(err, &te) || te.Code != domain.CodePartRequestsOutstanding {
		t.Fatalf("expected part_requests_outstanding, got %v", err)
	}
	if !reflect.DeepEqual(te.Blocking, []string{"r2"}) {
		t.Fatalf("blocking = %v, want [r2]", te.Blocking)
	}
	wo, err := env.Engine.GetWorkOrder(env.Ctx, "w1")
	if err != nil || wo.Status != domain.WorkOrderInProgress {
		t.Fatalf("work order must stay in progress: %+v %v", wo, err)
	}

	env.decide(t, "r2", domain.PartRequestRejected)
	wo, err = complete(env, "w1")
	if err != nil || wo.Status != domain.WorkOrderCompleted {
		t.Fatalf("complete after reject: %+v %v", wo, err)
	}
}

func TestCompletionGateByRequestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 100, 0)
	cases := []struct {
		status  string
		allowed bool
	}{
		{domain.PartRequestPending, false},
		{domain.PartRequestApproved, false},
		{domain.PartRequestRejected, true},
		{domain.PartRequestFulfilled, true},
		{domain.PartRequestCancelled, true},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			wo := "w-" + tc.status
			pr := "r-" + tc.status
			env.workOrder(t, wo, "m1")
			env.start(t, wo)
			env.submit(t, pr, wo, item("p1", 1))
			switch tc.status {
			case domain.PartRequestApproved:
				env.decide(t, pr, domain.PartRequestApproved)
			case domain.PartRequestRejected:
				env.decide(t, pr, domain.PartRequestRejected)
			case domain.PartRequestFulfilled:
				env.decide(t, pr, domain.PartRequestApproved)
				if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts(pr)); err != nil {
					t.Fatal(err)
				}
			case domain.PartRequestCancelled:
				if _, err := env.Engine.CancelPartRequest(env.Ctx, fulfillOpts(pr)); err != nil {
					t.Fatal(err)
				}
			}
			sum, err := env.Engine.FulfillmentSummary(env.Ctx, wo)
			if err != nil {
				t.Fatal(err)
			}
			if sum.CanComplete != tc.allowed {
				t.Fatalf("summary can_complete = %v, want %v", sum.CanComplete, tc.allowed)
			}
			_, err = complete(env, wo)
			if tc.allowed && err != nil {
				t.Fatalf("expected completion, got %v", err)
			}
			if !tc.allowed && !domain.IsTransition(err, domain.CodePartRequestsOutstanding) {
				t.Fatalf("expected outstanding refusal, got %v", err)
			}
		})
	}
}

func TestCancelWorkOrderCascadesPendingRequests(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 1))
	env.submit(t, "r2", "w1", item("p1", 1))
	env.decide(t, "r2", domain.PartRequestApproved)

	wo, err := env.Engine.CancelWorkOrder(env.Ctx, engine.WorkOrderActionOptions{WorkOrderID: "w1", ActorID: "planner"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if wo.Status != domain.WorkOrderCancelled || wo.OutstandingPartRequests != 1 {
		t.Fatalf("unexpected cancelled work order %+v", wo)
	}
	r1, _ := env.Engine.GetPartRequest(env.Ctx, "r1")
	r2, _ := env.Engine.GetPartRequest(env.Ctx, "r2")
	if r1.Status != domain.PartRequestCancelled || r2.Status != domain.PartRequestApproved {
		t.Fatalf("cascade: r1=%s r2=%s", r1.Status, r2.Status)
	}
	// The approved request can still be fulfilled after the work order closes.
	if _, err := env.Engine.FulfillPartRequest(env.Ctx, fulfillOpts("r2")); err != nil {
		t.Fatalf("fulfill after cancel: %v", err)
	}
}

func TestDeleteWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.submit(t, "r1", "w1", item("p1", 1))
	env.workOrder(t, "w2", "m1")
	env.submit(t, "r2", "w2", item("p1", 1))
	env.decide(t, "r2", domain.PartRequestApproved)

	wo, err := env.Engine.DeleteWorkOrder(env.Ctx, engine.WorkOrderActionOptions{WorkOrderID: "w1", ActorID: "planner"})
	if err != nil || wo.DeletedAt == nil {
		t.Fatalf("delete: %+v %v", wo, err)
	}
	if _, err := env.Engine.GetWorkOrder(env.Ctx, "w1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted work order should read as not found, got %v", err)
	}
	r1, err := env.Engine.GetPartRequest(env.Ctx, "r1")
	if err != nil || r1.Status != domain.PartRequestCancelled {
		t.Fatalf("pending request should cascade cancel: %+v %v", r1, err)
	}
	if _, err := env.Engine.DeleteWorkOrder(env.Ctx, engine.WorkOrderActionOptions{WorkOrderID: "w2", ActorID: "planner"}); !domain.IsTransition(err, domain.CodePartRequestsOutstanding) {
		t.Fatalf("approved request must block delete, got %v", err)
	}
}

func TestBulkDeleteReportsPerItem(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 10, 0)
	env.workOrder(t, "w1", "m1")
	env.start(t, "w1")
	if _, err := complete(env, "w1"); err != nil {
		t.Fatal(err)
	}
	env.workOrder(t, "w2", "m1")
	env.start(t, "w2")
	env.submit(t, "r2", "w2", item("p1", 1))

	res, err := env.Engine.BulkDeleteWorkOrders(env.Ctx, engine.BulkOptions{IDs: []string{"w1", "w2", "w3"}, ActorID: "planner"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if !res[0].OK || res[0].ID != "w1" {
		t.Fatalf("w1 should delete: %+v", res[0])
	}
	if res[1].OK || res[1].Code != domain.CodePartRequestsOutstanding {
		t.Fatalf("w2 should be refused: %+v", res[1])
	}
	if res[2].OK || res[2].Code != "not_found" {
		t.Fatalf("w3 should be not_found: %+v", res[2])
	}
	if _, err := env.Engine.GetWorkOrder(env.Ctx, "w2"); err != nil {
		t.Fatalf("w2 should remain: %v", err)
	}
	var ve domain.ValidationError
	if _, err := env.Engine.BulkDeleteWorkOrders(env.Ctx, engine.BulkOptions{ActorID: "planner"}); !errors.As(err, &ve) {
		t.Fatalf("empty id list should be a validation error, got %v", err)
	}
}

func TestBulkCancelHonoursContext(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%d", i)
		env.workOrder(t, ids[i], "m1")
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	res, err := env.Engine.BulkCancelWorkOrders(ctx, engine.BulkOptions{IDs: ids, ActorID: "planner"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if r.OK || r.Code != "not_attempted" {
			t.Fatalf("expected not_attempted, got %+v", r)
		}
	}
	res, err = env.Engine.BulkCancelWorkOrders(env.Ctx, engine.BulkOptions{IDs: ids, ActorID: "planner"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if !r.OK {
			t.Fatalf("expected cancel of %s, got %+v", r.ID, r)
		}
	}
}

func TestProjections(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "m1")
	env.part(t, "p1", 4, 5)
	env.workOrder(t, "w1", "m1")
	env.workOrder(t, "w2", "m1")
	env.start(t, "w2")
	env.submit(t, "r1", "w1", item("p1", 2), item("p1", 1))
	env.decide(t, "r1", domain.PartRequestApproved)

	sums, err := env.Engine.WorkOrderSummaries(env.Ctx, repo.WorkOrderFilters{})
	if err != nil || len(sums) != 2 {
		t.Fatalf("summaries: %+v %v", sums, err)
	}
	if sums[0].Machine != "Press m1" {
		t.Fatalf("summary should carry machine name, got %+v", sums[0])
	}
	prs, err := env.Engine.PartRequestSummaries(env.Ctx, repo.PartRequestFilters{WorkOrderID: "w1"})
	if err != nil || len(prs) != 1 {
		t.Fatalf("part request summaries: %+v %v", prs, err)
	}
	if prs[0].ItemsCount != 2 || prs[0].TotalQuantityRequested != 3 || prs[0].TotalQuantityApproved != 3 {
		t.Fatalf("unexpected part request summary %+v", prs[0])
	}

	fs, err := env.Engine.FulfillmentSummary(env.Ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if fs.Requests != 1 || fs.Outstanding != 1 || fs.ByStatus[domain.PartRequestApproved] != 1 || fs.CanComplete {
		t.Fatalf("unexpected fulfillment summary %+v", fs)
	}

	dash, err := env.Engine.Dashboard(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dash.WorkOrders[domain.WorkOrderPending] != 1 || dash.WorkOrders[domain.WorkOrderInProgress] != 1 || dash.LowStock != 1 {
		t.Fatalf("unexpected dashboard %+v", dash)
	}

	data, err := env.Engine.ReportData(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(data.WorkOrders) != 2 || len(data.PartRequests) != 1 || len(data.LowStock) != 1 {
		t.Fatalf("unexpected report data: %d work orders, %d requests, %d low stock", len(data.WorkOrders), len(data.PartRequests), len(data.LowStock))
	}

	list, err := env.Engine.ListWorkOrders(env.Ctx, repo.WorkOrderFilters{Status: domain.WorkOrderInProgress})
	if err != nil || len(list) != 1 || list[0].ID != "w2" {
		t.Fatalf("filtered list: %+v %v", list, err)
	}
}
