package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
)

type workOrderQuery struct {
	Status     string `query:"status" enum:"pending,in_progress,completed,cancelled"`
	MachineID  string `query:"machine_id"`
	AssignedTo string `query:"assigned_to"`
	ScheduleID string `query:"schedule_id"`
	Limit      int    `query:"limit" default:"50"`
	Cursor     string `query:"cursor"`
}

func (q workOrderQuery) filters() (repo.WorkOrderFilters, error) {
	ts, id, err := parseCompositeCursor(q.Cursor)
	if err != nil {
		return repo.WorkOrderFilters{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": q.Cursor})
	}
	return repo.WorkOrderFilters{
		Status:          q.Status,
		MachineID:       q.MachineID,
		AssignedTo:      q.AssignedTo,
		ScheduleID:      q.ScheduleID,
		Limit:           normalizeLimit(q.Limit),
		CursorCreatedAt: ts,
		CursorID:        id,
	}, nil
}

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Open a work order",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.create")
		if err != nil {
			return nil, err
		}
		scheduled, err := parseDate("scheduled_date", input.Body.ScheduledDate)
		if err != nil {
			return nil, handleError(err)
		}
		wo, err := e.CreateWorkOrder(ctx, engine.CreateWorkOrderOptions{
			ID:            input.Body.ID,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Priority:      input.Body.Priority,
			MachineID:     input.Body.MachineID,
			AssignedTo:    input.Body.AssignedTo,
			ScheduledDate: scheduled,
			Notes:         input.Body.Notes,
			ActorID:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders, newest first",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *workOrderQuery) (*body[paginatedWorkOrders], error) {
		if _, err := authorize(ctx, "workorder.read"); err != nil {
			return nil, err
		}
		f, err := input.filters()
		if err != nil {
			return nil, err
		}
		limit := f.Limit
		f.Limit = limit + 1
		items, err := e.ListWorkOrders(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkOrders{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(time.RFC3339), last.ID)
			resp.Items = items[:limit]
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-order-summaries",
		Method:      http.MethodGet,
		Path:        "/work-orders/summaries",
		Summary:     "Work orders with machine names",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *workOrderQuery) (*body[[]domain.WorkOrderSummary], error) {
		if _, err := authorize(ctx, "workorder.read"); err != nil {
			return nil, err
		}
		f, err := input.filters()
		if err != nil {
			return nil, err
		}
		items, err := e.WorkOrderSummaries(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.WorkOrder], error) {
		if _, err := authorize(ctx, "workorder.read"); err != nil {
			return nil, err
		}
		wo, err := e.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-order",
		Method:      http.MethodPatch,
		Path:        "/work-orders/{id}",
		Summary:     "Edit work order details",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateWorkOrderRequest `json:"body"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.create")
		if err != nil {
			return nil, err
		}
		scheduled, err := parseDate("scheduled_date", input.Body.ScheduledDate)
		if err != nil {
			return nil, handleError(err)
		}
		wo, err := e.UpdateWorkOrder(ctx, engine.UpdateWorkOrderOptions{
			WorkOrderID:   input.ID,
			Title:         input.Body.Title,
			Priority:      input.Body.Priority,
			ScheduledDate: scheduled,
			Notes:         input.Body.Notes,
			ActorID:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/assign",
		Summary:     "Assign a technician",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.assign")
		if err != nil {
			return nil, err
		}
		wo, err := e.AssignTechnician(ctx, engine.AssignTechnicianOptions{WorkOrderID: input.ID, TechnicianID: input.Body.TechnicianID, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/start",
		Summary:     "Start work",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StartRequest `json:"body" required:"false"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.start")
		if err != nil {
			return nil, err
		}
		started := time.Now().UTC()
		if input.Body.StartedAt != nil {
			started = *input.Body.StartedAt
		}
		wo, err := e.StartWorkOrder(ctx, engine.StartWorkOrderOptions{WorkOrderID: input.ID, StartedAt: started, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/complete",
		Summary:     "Complete work once no part request is outstanding",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.complete")
		if err != nil {
			return nil, err
		}
		completed := time.Now().UTC()
		if input.Body.CompletedAt != nil {
			completed = *input.Body.CompletedAt
		}
		wo, err := e.CompleteWorkOrder(ctx, engine.CompleteWorkOrderOptions{
			WorkOrderID: input.ID,
			CompletedAt: completed,
			Description: input.Body.Description,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/cancel",
		Summary:     "Cancel a work order and its pending part requests",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.cancel")
		if err != nil {
			return nil, err
		}
		wo, err := e.CancelWorkOrder(ctx, engine.WorkOrderActionOptions{WorkOrderID: input.ID, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-work-order",
		Method:      http.MethodDelete,
		Path:        "/work-orders/{id}",
		Summary:     "Soft-delete a work order",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "workorder.delete")
		if err != nil {
			return nil, err
		}
		wo, err := e.DeleteWorkOrder(ctx, engine.WorkOrderActionOptions{WorkOrderID: input.ID, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})

	registerBulk(api, "bulk-delete-work-orders", "/work-orders/bulk/delete", "workorder.delete", e.BulkDeleteWorkOrders)
	registerBulk(api, "bulk-cancel-work-orders", "/work-orders/bulk/cancel", "workorder.cancel", e.BulkCancelWorkOrders)

	huma.Register(api, huma.Operation{
		OperationID: "work-order-fulfillment",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/fulfillment",
		Summary:     "Part request status of a work order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.FulfillmentSummary], error) {
		if _, err := authorize(ctx, "partrequest.read"); err != nil {
			return nil, err
		}
		sum, err := e.FulfillmentSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(sum), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-order-part-requests",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/part-requests",
		Summary:     "Part requests linked to a work order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"pending,approved,rejected,fulfilled,cancelled"`
	}) (*body[[]domain.PartRequest], error) {
		if _, err := authorize(ctx, "partrequest.read"); err != nil {
			return nil, err
		}
		if _, err := e.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPartRequests(ctx, repo.PartRequestFilters{WorkOrderID: input.ID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-part-request",
		Method:        http.MethodPost,
		Path:          "/work-orders/{id}/part-requests",
		Summary:       "Request parts for a work order",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body SubmitPartRequestRequest `json:"body"`
	}) (*body[domain.PartRequest], error) {
		actor, err := authorize(ctx, "partrequest.submit")
		if err != nil {
			return nil, err
		}
		items := make([]engine.PartRequestItemInput, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			items = append(items, engine.PartRequestItemInput{PartID: it.PartID, Quantity: it.QuantityRequested, Note: it.ItemNote})
		}
		pr, err := e.SubmitPartRequest(ctx, engine.SubmitPartRequestOptions{
			ID:          input.Body.ID,
			WorkOrderID: input.ID,
			Items:       items,
			Note:        input.Body.Note,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(pr), nil
	})
}

func registerBulk(api huma.API, opID, route, perm string, run func(context.Context, engine.BulkOptions) ([]engine.BulkResult, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     "Apply to many work orders, reporting per id",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BulkRequest `json:"body"`
	}) (*body[BulkResponse], error) {
		actor, err := authorize(ctx, perm)
		if err != nil {
			return nil, err
		}
		results, err := run(ctx, engine.BulkOptions{IDs: input.Body.IDs, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(BulkResponse{Results: nonNilSlice(results)}), nil
	})
}
