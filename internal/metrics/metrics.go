package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintline",
		Name:      "transitions_total",
		Help:      "Lifecycle commands by entity, action and result.",
	}, []string{"entity", "action", "result"})

	StockDeductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintline",
		Name:      "stock_deductions_total",
		Help:      "Inventory deductions attempted at fulfillment.",
	}, []string{"result"})

	BulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintline",
		Name:      "bulk_items_total",
		Help:      "Items processed by bulk operations.",
	}, []string{"operation", "result"})

	ScheduledWorkOrders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maintline",
		Name:      "schedule_work_orders_total",
		Help:      "Work orders created from maintenance schedules.",
	})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "maintline",
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Result labels an outcome for the counters above.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
