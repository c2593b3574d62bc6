package query

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// GetReport answers a single-metric time-series query from the durable
// tables. Partial-mode caching applies when the cache is enabled for this
// query.
func (e *Engine) GetReport(ctx context.Context, q v1.Query) ([]v1.ReportPoint, error) {
	return e.report(ctx, q, false)
}

// GetReportRealtime additionally reads the realtime buffer for the trailing
// buffer window. Realtime results are never cached.
func (e *Engine) GetReportRealtime(ctx context.Context, q v1.Query) ([]v1.ReportPoint, error) {
	return e.report(ctx, q, true)
}

func (e *Engine) report(ctx context.Context, q v1.Query, realtime bool) ([]v1.ReportPoint, error) {
	gran, err := metrics.ParseGranularity(q.Granularity)
	if err != nil {
		return nil, err
	}
	aggType, err := metrics.ParseAggregationType(q.Metric.Type)
	if err != nil {
		return nil, err
	}

	var points []v1.ReportPoint
	if !realtime && e.cache.enabled(q.Cache) {
		points, err = e.cachedReport(ctx, q, gran, aggType)
	} else {
		points, err = e.computeReport(ctx, q, q.TimeRange, gran, aggType, realtime)
	}
	if err != nil {
		return nil, err
	}

	if e.hooks != nil {
		collected, err := e.hooks.CollectMetrics(ctx, &q)
		if err != nil {
			return nil, fmt.Errorf("collect metrics: %w", err)
		}
		if value, ok := collected[selectorMetricName(q.Metric)]; ok {
			points = append(points, v1.ReportPoint{
				Timestamp: gran.Truncate(q.TimeRange.End),
				Value:     value,
			})
		}
		if points, err = e.hooks.RunBeforeReportGenerated(ctx, &q, points); err != nil {
			return nil, err
		}
		e.hooks.FireAfterReportGenerated(ctx, &q, points)
	}
	return points, nil
}

// computeReport runs the fan-out for one sub-range and shapes the result.
func (e *Engine) computeReport(ctx context.Context, q v1.Query, timeRange v1.TimeRange, gran metrics.Granularity, aggType metrics.AggregationType, realtime bool) ([]v1.ReportPoint, error) {
	sources, err := e.resolveSources(ctx, q.ReportID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return []v1.ReportPoint{}, nil
	}

	attrType, attrValue := attributionFilter(q.Attribution)
	filter := storage.AggregateFilter{
		TimeRange:        timeRange,
		AttributionType:  attrType,
		AttributionValue: attrValue,
		AggregationType:  aggType,
		PayloadField:     q.Metric.Field,
	}

	durable, tail := timeRange, v1.TimeRange{}
	if realtime {
		durable, tail = e.splitRealtime(timeRange)
	}
	filter.TimeRange = durable

	w := want{aggregates: aggType != metrics.AggBoolean, booleans: aggType == metrics.AggBoolean}
	res, err := e.fanOut(ctx, sources, filter, w, tail)
	if err != nil {
		return nil, err
	}

	acc := newPointAccumulator(gran)
	for _, row := range res.aggregates {
		acc.addAggregate(row)
	}
	for _, row := range res.booleans {
		acc.addBoolean(row)
	}
	for _, entry := range res.entries {
		if aggType == metrics.AggBoolean {
			acc.addBoolean(storage.BooleanRow{
				Timestamp:    entry.Timestamp,
				PayloadField: entry.PayloadField,
				Value:        !entry.Value.IsZero(),
			})
			continue
		}
		acc.addEntry(entry)
	}
	return acc.points(), nil
}

// cachedReport serves a report through the partial cache: stored chunks of
// the base key cover parts of the range, gaps compute live and are stored as
// new chunks. Cache failures degrade to a live computation.
func (e *Engine) cachedReport(ctx context.Context, q v1.Query, gran metrics.Granularity, aggType metrics.AggregationType) ([]v1.ReportPoint, error) {
	base, err := baseKey(q)
	if err != nil {
		slog.Warn("[Query] Cache key derivation failed", "error", err)
		return e.computeReport(ctx, q, q.TimeRange, gran, aggType, false)
	}

	if q.RebuildCache {
		points, err := e.computeReport(ctx, q, q.TimeRange, gran, aggType, false)
		if err != nil {
			return nil, err
		}
		e.cache.replaceChunk(ctx, base, q.ReportID, q.TimeRange, points)
		return points, nil
	}

	chunks, gaps, err := e.cache.coveringChunks(ctx, base, q.TimeRange)
	if err != nil {
		slog.Warn("[Query] Cache read failed", "base_key", base, "error", err)
		return e.computeReport(ctx, q, q.TimeRange, gran, aggType, false)
	}

	var series [][]v1.ReportPoint
	for _, chunk := range chunks {
		var points []v1.ReportPoint
		if err := decodeChunk(chunk, &points); err != nil {
			slog.Warn("[Query] Dropping undecodable cache chunk", "base_key", base, "error", err)
			continue
		}
		series = append(series, points)
	}
	for _, gap := range gaps {
		points, err := e.computeReport(ctx, q, gap, gran, aggType, false)
		if err != nil {
			return nil, err
		}
		e.cache.storeChunk(ctx, base, q.ReportID, gap, points)
		series = append(series, points)
	}
	return mergePoints(series...), nil
}

// selectorMetricName is the derived-metric name a selector refers to, used
// to match collector-hook contributions.
func selectorMetricName(m v1.MetricSelector) string {
	switch metrics.AggregationType(m.Type) {
	case metrics.AggCount:
		return "count"
	case metrics.AggSum, metrics.AggLeafSum:
		return m.Field + "_sum"
	default:
		return m.Field
	}
}
