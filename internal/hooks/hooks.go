package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
)

// Hooks come in three shapes. Waterfall hooks transform their subject and
// may veto it with an error; they run in registration order, each receiving
// the previous one's output. Action hooks are notifications: their errors
// are logged and never block the pipeline. Collector hooks contribute extra
// results into a read path.

// BeforeEventRecord may rewrite an incoming transfer before validation.
type BeforeEventRecord func(ctx context.Context, t *v1.EventTransfer) (*v1.EventTransfer, error)

// BeforeMetricsWritten may rewrite the derived deltas before the durable write.
type BeforeMetricsWritten func(ctx context.Context, target string, deltas []metrics.Delta) ([]metrics.Delta, error)

// BeforeReportGenerated may rewrite report points before they are returned.
type BeforeReportGenerated func(ctx context.Context, query *v1.Query, points []v1.ReportPoint) ([]v1.ReportPoint, error)

// AfterEventRecord fires once an event is durably recorded.
type AfterEventRecord func(ctx context.Context, event *v1.Event) error

// AfterMetricsWritten fires after a durable metric write commits.
type AfterMetricsWritten func(ctx context.Context, target string, deltas []metrics.Delta) error

// AfterRealtimeMetricsGenerated fires after a buffer write.
type AfterRealtimeMetricsGenerated func(ctx context.Context, target string, count int) error

// AfterAggregationWritten fires when one event has been fully fanned out.
type AfterAggregationWritten func(ctx context.Context, event *v1.Event, targets []string) error

// AfterReportGenerated fires after a report query completes.
type AfterReportGenerated func(ctx context.Context, query *v1.Query, points []v1.ReportPoint) error

// AfterDatasetGenerated fires after a dataset query completes.
type AfterDatasetGenerated func(ctx context.Context, query *v1.DatasetQuery, points []v1.DatasetPoint) error

// OnGetMetrics contributes synthetic metric values into a report read, keyed
// by metric name. Formula evaluators register here.
type OnGetMetrics func(ctx context.Context, query *v1.Query) (map[string]decimal.Decimal, error)

// Registry holds hook registrations. Registration order is invocation
// order. The zero value is unusable; call NewRegistry.
type Registry struct {
	mu sync.RWMutex

	beforeEventRecord     []BeforeEventRecord
	beforeMetricsWritten  []BeforeMetricsWritten
	beforeReportGenerated []BeforeReportGenerated

	afterEventRecord              []AfterEventRecord
	afterMetricsWritten           []AfterMetricsWritten
	afterRealtimeMetrics          []AfterRealtimeMetricsGenerated
	afterAggregationWritten       []AfterAggregationWritten
	afterReportGenerated          []AfterReportGenerated
	afterDatasetGenerated         []AfterDatasetGenerated
	onGetMetrics                  []OnGetMetrics
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) RegisterBeforeEventRecord(h BeforeEventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeEventRecord = append(r.beforeEventRecord, h)
}

func (r *Registry) RegisterBeforeMetricsWritten(h BeforeMetricsWritten) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeMetricsWritten = append(r.beforeMetricsWritten, h)
}

func (r *Registry) RegisterBeforeReportGenerated(h BeforeReportGenerated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeReportGenerated = append(r.beforeReportGenerated, h)
}

func (r *Registry) RegisterAfterEventRecord(h AfterEventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterEventRecord = append(r.afterEventRecord, h)
}

func (r *Registry) RegisterAfterMetricsWritten(h AfterMetricsWritten) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterMetricsWritten = append(r.afterMetricsWritten, h)
}

func (r *Registry) RegisterAfterRealtimeMetricsGenerated(h AfterRealtimeMetricsGenerated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterRealtimeMetrics = append(r.afterRealtimeMetrics, h)
}

func (r *Registry) RegisterAfterAggregationWritten(h AfterAggregationWritten) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterAggregationWritten = append(r.afterAggregationWritten, h)
}

func (r *Registry) RegisterAfterReportGenerated(h AfterReportGenerated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterReportGenerated = append(r.afterReportGenerated, h)
}

func (r *Registry) RegisterAfterDatasetGenerated(h AfterDatasetGenerated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterDatasetGenerated = append(r.afterDatasetGenerated, h)
}

func (r *Registry) RegisterOnGetMetrics(h OnGetMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGetMetrics = append(r.onGetMetrics, h)
}

// RunBeforeEventRecord threads the transfer through every waterfall hook.
// The first error aborts the chain and the record operation.
func (r *Registry) RunBeforeEventRecord(ctx context.Context, t *v1.EventTransfer) (*v1.EventTransfer, error) {
	r.mu.RLock()
	hooks := r.beforeEventRecord
	r.mu.RUnlock()

	var err error
	for _, h := range hooks {
		if t, err = h(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (r *Registry) RunBeforeMetricsWritten(ctx context.Context, target string, deltas []metrics.Delta) ([]metrics.Delta, error) {
	r.mu.RLock()
	hooks := r.beforeMetricsWritten
	r.mu.RUnlock()

	var err error
	for _, h := range hooks {
		if deltas, err = h(ctx, target, deltas); err != nil {
			return nil, err
		}
	}
	return deltas, nil
}

func (r *Registry) RunBeforeReportGenerated(ctx context.Context, query *v1.Query, points []v1.ReportPoint) ([]v1.ReportPoint, error) {
	r.mu.RLock()
	hooks := r.beforeReportGenerated
	r.mu.RUnlock()

	var err error
	for _, h := range hooks {
		if points, err = h(ctx, query, points); err != nil {
			return nil, err
		}
	}
	return points, nil
}

// fireActions runs notification hooks, logging failures without propagating.
func fireActions[T any](ctx context.Context, name string, hooks []T, run func(T) error) {
	for _, h := range hooks {
		if err := run(h); err != nil {
			slog.Warn("[Hooks] Action hook failed", "hook", name, "error", err)
		}
	}
}

func (r *Registry) FireAfterEventRecord(ctx context.Context, event *v1.Event) {
	r.mu.RLock()
	hooks := r.afterEventRecord
	r.mu.RUnlock()
	fireActions(ctx, "afterEventRecord", hooks, func(h AfterEventRecord) error {
		return h(ctx, event)
	})
}

func (r *Registry) FireAfterMetricsWritten(ctx context.Context, target string, deltas []metrics.Delta) {
	r.mu.RLock()
	hooks := r.afterMetricsWritten
	r.mu.RUnlock()
	fireActions(ctx, "afterMetricsWritten", hooks, func(h AfterMetricsWritten) error {
		return h(ctx, target, deltas)
	})
}

func (r *Registry) FireAfterRealtimeMetricsGenerated(ctx context.Context, target string, count int) {
	r.mu.RLock()
	hooks := r.afterRealtimeMetrics
	r.mu.RUnlock()
	fireActions(ctx, "afterRealtimeMetricsGenerated", hooks, func(h AfterRealtimeMetricsGenerated) error {
		return h(ctx, target, count)
	})
}

func (r *Registry) FireAfterAggregationWritten(ctx context.Context, event *v1.Event, targets []string) {
	r.mu.RLock()
	hooks := r.afterAggregationWritten
	r.mu.RUnlock()
	fireActions(ctx, "afterAggregationWritten", hooks, func(h AfterAggregationWritten) error {
		return h(ctx, event, targets)
	})
}

func (r *Registry) FireAfterReportGenerated(ctx context.Context, query *v1.Query, points []v1.ReportPoint) {
	r.mu.RLock()
	hooks := r.afterReportGenerated
	r.mu.RUnlock()
	fireActions(ctx, "afterReportGenerated", hooks, func(h AfterReportGenerated) error {
		return h(ctx, query, points)
	})
}

func (r *Registry) FireAfterDatasetGenerated(ctx context.Context, query *v1.DatasetQuery, points []v1.DatasetPoint) {
	r.mu.RLock()
	hooks := r.afterDatasetGenerated
	r.mu.RUnlock()
	fireActions(ctx, "afterDatasetGenerated", hooks, func(h AfterDatasetGenerated) error {
		return h(ctx, query, points)
	})
}

// CollectMetrics gathers synthetic metric contributions. A failing collector
// fails the read: callers asked for those metrics explicitly.
func (r *Registry) CollectMetrics(ctx context.Context, query *v1.Query) (map[string]decimal.Decimal, error) {
	r.mu.RLock()
	hooks := r.onGetMetrics
	r.mu.RUnlock()

	collected := make(map[string]decimal.Decimal)
	for _, h := range hooks {
		values, err := h(ctx, query)
		if err != nil {
			return nil, err
		}
		for name, value := range values {
			collected[name] = value
		}
	}
	return collected, nil
}
