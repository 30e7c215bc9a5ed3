package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
)

type partRequestQuery struct {
	WorkOrderID string `query:"work_order_id"`
	Status      string `query:"status" enum:"pending,approved,rejected,fulfilled,cancelled"`
	RequestedBy string `query:"requested_by"`
	Limit       int    `query:"limit" default:"50"`
}

func (q partRequestQuery) filters() repo.PartRequestFilters {
	return repo.PartRequestFilters{
		WorkOrderID: q.WorkOrderID,
		Status:      q.Status,
		RequestedBy: q.RequestedBy,
		Limit:       normalizeLimit(q.Limit),
	}
}

func registerPartRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-part-requests",
		Method:      http.MethodGet,
		Path:        "/part-requests",
		Summary:     "List part requests",
		Errors:      readErrors,
	}, func(ctx context.Context, input *partRequestQuery) (*body[[]domain.PartRequest], error) {
		if _, err := authorize(ctx, "partrequest.read"); err != nil {
			return nil, err
		}
		items, err := e.ListPartRequests(ctx, input.filters())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "part-request-summaries",
		Method:      http.MethodGet,
		Path:        "/part-requests/summaries",
		Summary:     "Part requests with item totals",
		Errors:      readErrors,
	}, func(ctx context.Context, input *partRequestQuery) (*body[[]domain.PartRequestSummary], error) {
		if _, err := authorize(ctx, "partrequest.read"); err != nil {
			return nil, err
		}
		items, err := e.PartRequestSummaries(ctx, input.filters())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-part-request",
		Method:      http.MethodGet,
		Path:        "/part-requests/{id}",
		Summary:     "Get part request with items",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.PartRequest], error) {
		if _, err := authorize(ctx, "partrequest.read"); err != nil {
			return nil, err
		}
		pr, err := e.GetPartRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(pr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-part-request",
		Method:      http.MethodPost,
		Path:        "/part-requests/{id}/decision",
		Summary:     "Approve or reject a pending request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*body[domain.PartRequest], error) {
		actor, err := authorize(ctx, "partrequest.decide")
		if err != nil {
			return nil, err
		}
		decisions := make([]engine.ItemDecision, 0, len(input.Body.Items))
		for _, d := range input.Body.Items {
			decisions = append(decisions, engine.ItemDecision{ItemID: d.ItemID, QuantityApproved: d.QuantityApproved})
		}
		pr, err := e.DecidePartRequest(ctx, engine.DecidePartRequestOptions{
			RequestID: input.ID,
			Outcome:   input.Body.Outcome,
			Items:     decisions,
			ActorID:   actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(pr), nil
	})

	registerRequestAction(api, "fulfill-part-request", "/part-requests/{id}/fulfill", "Issue approved parts and deduct stock", "partrequest.fulfill", e.FulfillPartRequest)
	registerRequestAction(api, "cancel-part-request", "/part-requests/{id}/cancel", "Withdraw a pending request", "partrequest.cancel", e.CancelPartRequest)
	registerRequestAction(api, "revert-part-request", "/part-requests/{id}/revert", "Return an approved request to pending", "partrequest.decide", e.RevertPartRequestApproval)
}

func registerRequestAction(api huma.API, opID, route, summary, perm string, run func(context.Context, engine.PartRequestActionOptions) (domain.PartRequest, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.PartRequest], error) {
		actor, err := authorize(ctx, perm)
		if err != nil {
			return nil, err
		}
		pr, err := run(ctx, engine.PartRequestActionOptions{RequestID: input.ID, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(pr), nil
	})
}
