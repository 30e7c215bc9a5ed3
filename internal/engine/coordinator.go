package engine

import (
	"context"
	"database/sql"
	"errors"

	"golang.org/x/sync/errgroup"

	"maintline/internal/domain"
	"maintline/internal/engine/guard"
	"maintline/internal/metrics"
	"maintline/internal/repo"
	"maintline/internal/report"
)

// ensureCompletable applies the completion gate inside the command transaction.
func (e Engine) ensureCompletable(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	if wo.Status != domain.WorkOrderInProgress {
		return guard.CanComplete(workOrderContext(wo, nil)).Err(workOrderEntity, wo.ID, wo.Status, "complete")
	}
	reqs, err := e.linkedRequests(ctx, tx, wo.ID)
	if err != nil {
		return err
	}
	return guard.CanComplete(workOrderContext(wo, reqs)).Err(workOrderEntity, wo.ID, wo.Status, "complete")
}

// BulkResult is the per-id outcome of a bulk operation.
type BulkResult struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

type BulkOptions struct {
	IDs     []string `json:"ids" validate:"required,min=1"`
	ActorID string   `json:"actor_id" validate:"required"`
}

func (e Engine) BulkDeleteWorkOrders(ctx context.Context, opts BulkOptions) ([]BulkResult, error) {
	if err := e.validate(opts); err != nil {
		return nil, err
	}
	return e.bulk(ctx, "delete", opts.IDs, func(ctx context.Context, id string) error {
		_, err := e.DeleteWorkOrder(ctx, WorkOrderActionOptions{WorkOrderID: id, ActorID: opts.ActorID})
		return err
	}), nil
}

func (e Engine) BulkCancelWorkOrders(ctx context.Context, opts BulkOptions) ([]BulkResult, error) {
	if err := e.validate(opts); err != nil {
		return nil, err
	}
	return e.bulk(ctx, "cancel", opts.IDs, func(ctx context.Context, id string) error {
		_, err := e.CancelWorkOrder(ctx, WorkOrderActionOptions{WorkOrderID: id, ActorID: opts.ActorID})
		return err
	}), nil
}

// bulk runs fn for every id with bounded parallelism. Each id commits or fails on its own;
// once ctx is done the remaining ids are reported with the context error and never attempted.
func (e Engine) bulk(ctx context.Context, op string, ids []string, fn func(context.Context, string) error) []BulkResult {
	limit := 1
	if e.Config != nil && e.Config.Engine.BulkParallelism > 0 {
		limit = e.Config.Engine.BulkParallelism
	}
	results := make([]BulkResult, len(ids))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			results[i] = bulkResult(id, err)
			continue
		}
		g.Go(func() error {
			results[i] = bulkResult(id, fn(ctx, id))
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		metrics.BulkItems.WithLabelValues(op, metrics.Result(r.Err)).Inc()
	}
	return results
}

func bulkResult(id string, err error) BulkResult {
	if err == nil {
		return BulkResult{ID: id, OK: true}
	}
	res := BulkResult{ID: id, Err: err, Message: err.Error()}
	var te domain.TransitionError
	var ve domain.ValidationError
	switch {
	case errors.As(err, &te):
		res.Code = te.Code
	case errors.As(err, &ve):
		res.Code = domain.CodeValidationFailed
	case errors.Is(err, domain.ErrNotFound):
		res.Code = domain.CodeNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		res.Code = domain.CodeConcurrencyConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Code = "not_attempted"
	default:
		res.Code = "internal"
	}
	return res
}

func (e Engine) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.Repo.GetWorkOrder(ctx, nil, id)
}

func (e Engine) ListWorkOrders(ctx context.Context, f repo.WorkOrderFilters) ([]domain.WorkOrder, error) {
	return e.Repo.ListWorkOrders(ctx, f)
}

func (e Engine) WorkOrderSummaries(ctx context.Context, f repo.WorkOrderFilters) ([]domain.WorkOrderSummary, error) {
	return e.Repo.WorkOrderSummaries(ctx, f)
}

func (e Engine) GetPartRequest(ctx context.Context, id string) (domain.PartRequest, error) {
	return e.Repo.GetPartRequest(ctx, nil, id)
}

func (e Engine) ListPartRequests(ctx context.Context, f repo.PartRequestFilters) ([]domain.PartRequest, error) {
	return e.Repo.ListPartRequests(ctx, nil, f)
}

func (e Engine) PartRequestSummaries(ctx context.Context, f repo.PartRequestFilters) ([]domain.PartRequestSummary, error) {
	return e.Repo.PartRequestSummaries(ctx, f)
}

// FulfillmentSummary counts the part requests of a work order by status.
func (e Engine) FulfillmentSummary(ctx context.Context, workOrderID string) (domain.FulfillmentSummary, error) {
	wo, err := e.Repo.GetWorkOrder(ctx, nil, workOrderID)
	if err != nil {
		return domain.FulfillmentSummary{}, err
	}
	counts, err := e.Repo.CountPartRequestsByStatus(ctx, nil, wo.ID)
	if err != nil {
		return domain.FulfillmentSummary{}, err
	}
	s := domain.FulfillmentSummary{WorkOrderID: wo.ID, ByStatus: counts}
	for status, n := range counts {
		s.Requests += n
		if domain.Outstanding(status) {
			s.Outstanding += n
		}
	}
	s.CanComplete = wo.Status == domain.WorkOrderInProgress && s.Outstanding == 0
	return s, nil
}

func (e Engine) Dashboard(ctx context.Context) (domain.DashboardCounts, error) {
	wos, err := e.Repo.CountWorkOrdersByStatus(ctx)
	if err != nil {
		return domain.DashboardCounts{}, err
	}
	prs, err := e.Repo.CountPartRequestsByStatus(ctx, nil, "")
	if err != nil {
		return domain.DashboardCounts{}, err
	}
	low, err := e.Repo.CountLowStock(ctx)
	if err != nil {
		return domain.DashboardCounts{}, err
	}
	return domain.DashboardCounts{WorkOrders: wos, PartRequests: prs, LowStock: low}, nil
}

// ReportData gathers the projections written by report.Write.
func (e Engine) ReportData(ctx context.Context) (report.Data, error) {
	wos, err := e.Repo.WorkOrderSummaries(ctx, repo.WorkOrderFilters{})
	if err != nil {
		return report.Data{}, err
	}
	prs, err := e.Repo.PartRequestSummaries(ctx, repo.PartRequestFilters{})
	if err != nil {
		return report.Data{}, err
	}
	low, err := e.Ledger().LowStock(ctx)
	if err != nil {
		return report.Data{}, err
	}
	return report.Data{WorkOrders: wos, PartRequests: prs, LowStock: low}, nil
}

func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor)
}
