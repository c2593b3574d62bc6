package query

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// GetDataset answers a multi-metric query: every derived metric of the
// report, bucketed at the query granularity under the derived metric names.
func (e *Engine) GetDataset(ctx context.Context, q v1.DatasetQuery) ([]v1.DatasetPoint, error) {
	compute := func() ([]v1.DatasetPoint, error) {
		return e.computeDataset(ctx, q, false)
	}
	points, err := cachedResult(ctx, e.cache, q, q.Cache, q.RebuildCache, q.ReportID, q.TimeRange, compute)
	if err != nil {
		return nil, err
	}
	if e.hooks != nil {
		e.hooks.FireAfterDatasetGenerated(ctx, &q, points)
	}
	return points, nil
}

// GetDatasetRealtime is the buffer-merging variant. Never cached.
func (e *Engine) GetDatasetRealtime(ctx context.Context, q v1.DatasetQuery) ([]v1.DatasetPoint, error) {
	points, err := e.computeDataset(ctx, q, true)
	if err != nil {
		return nil, err
	}
	if e.hooks != nil {
		e.hooks.FireAfterDatasetGenerated(ctx, &q, points)
	}
	return points, nil
}

func (e *Engine) computeDataset(ctx context.Context, q v1.DatasetQuery, realtime bool) ([]v1.DatasetPoint, error) {
	res, gran, err := e.datasetFanOut(ctx, q, realtime)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []v1.DatasetPoint{}, nil
	}

	acc := newDatasetAccumulator(gran)
	for _, row := range res.aggregates {
		acc.addAggregate(row)
	}
	for _, row := range res.booleans {
		acc.addBoolean(row)
	}
	for _, entry := range res.entries {
		acc.addEntry(entry)
	}
	return acc.points(), nil
}

// datasetFanOut runs the shared read for the dataset and grouped shapes.
// A nil result means the report has no aggregation sources.
func (e *Engine) datasetFanOut(ctx context.Context, q v1.DatasetQuery, realtime bool) (*fanoutResult, metrics.Granularity, error) {
	gran, err := metrics.ParseGranularity(q.Granularity)
	if err != nil {
		return nil, "", err
	}
	sources, err := e.resolveSources(ctx, q.ReportID)
	if err != nil {
		return nil, "", err
	}
	if len(sources) == 0 {
		return nil, gran, nil
	}

	attrType, attrValue := attributionFilter(q.Attribution)
	filter := storage.AggregateFilter{
		TimeRange:        q.TimeRange,
		AttributionType:  attrType,
		AttributionValue: attrValue,
		MetricFields:     q.Metrics,
	}

	durable, tail := q.TimeRange, v1.TimeRange{}
	if realtime {
		durable, tail = e.splitRealtime(q.TimeRange)
	}
	filter.TimeRange = durable

	res, err := e.fanOut(ctx, sources, filter, want{aggregates: true, booleans: true}, tail)
	if err != nil {
		return nil, "", err
	}
	return res, gran, nil
}

// aggregateMetricName renders one row's key in the derived-naming contract.
// LEAF_SUM rows are internal to the flat-group shape and report false.
func aggregateMetricName(aggType metrics.AggregationType, eventType, field, category, compoundKey string) (string, bool) {
	switch aggType {
	case metrics.AggCount:
		return eventType + "_count", true
	case metrics.AggSum:
		return field + "_sum", true
	case metrics.AggCategory:
		return field + "_by_" + category, true
	case metrics.AggCompoundSum:
		return field + "_sum_by_" + compoundKey + "_" + category, true
	default:
		return "", false
	}
}

// datasetAccumulator buckets every metric of a report by truncated time.
type datasetAccumulator struct {
	gran    metrics.Granularity
	buckets map[int64]*v1.DatasetPoint
}

func newDatasetAccumulator(gran metrics.Granularity) *datasetAccumulator {
	return &datasetAccumulator{gran: gran, buckets: make(map[int64]*v1.DatasetPoint)}
}

func (a *datasetAccumulator) bucket(ts time.Time) *v1.DatasetPoint {
	key := a.gran.Truncate(ts).UnixMilli()
	point, ok := a.buckets[key]
	if !ok {
		point = &v1.DatasetPoint{
			Timestamp: time.UnixMilli(key).UTC(),
			Metrics:   make(map[string]decimal.Decimal),
		}
		a.buckets[key] = point
	}
	return point
}

func (a *datasetAccumulator) addMetric(ts time.Time, name string, v decimal.Decimal) {
	point := a.bucket(ts)
	point.Metrics[name] = point.Metrics[name].Add(v)
}

func (a *datasetAccumulator) addAggregate(row storage.AggregateRow) {
	name, ok := aggregateMetricName(row.AggregationType, row.EventType, row.PayloadField, row.PayloadCategory, row.CompoundCategoryKey)
	if !ok {
		return
	}
	a.addMetric(row.Timestamp, name, row.Value)
}

// addBoolean attaches a boolean fact to its bucket with the original event
// timestamp preserved.
func (a *datasetAccumulator) addBoolean(row storage.BooleanRow) {
	point := a.bucket(row.Timestamp)
	point.BooleanGroups = append(point.BooleanGroups, v1.BooleanOccurrence{
		Name:      row.PayloadField,
		Value:     row.Value,
		Timestamp: row.Timestamp,
	})
}

func (a *datasetAccumulator) addEntry(e buffer.Entry) {
	if e.AggregationType == metrics.AggBoolean {
		a.addBoolean(storage.BooleanRow{
			Timestamp:    e.Timestamp,
			PayloadField: e.PayloadField,
			Value:        !e.Value.IsZero(),
		})
		return
	}
	name, ok := aggregateMetricName(e.AggregationType, e.EventType, e.PayloadField, e.PayloadCategory, e.CompoundCategoryKey)
	if !ok {
		return
	}
	a.addMetric(e.Timestamp, name, e.Value)
}

func (a *datasetAccumulator) points() []v1.DatasetPoint {
	out := make([]v1.DatasetPoint, 0, len(a.buckets))
	for _, point := range a.buckets {
		sort.Slice(point.BooleanGroups, func(i, j int) bool {
			return point.BooleanGroups[i].Timestamp.Before(point.BooleanGroups[j].Timestamp)
		})
		out = append(out, *point)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
