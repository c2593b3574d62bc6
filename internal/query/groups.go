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

// GetGroupsAggregation answers a dataset query with per-bucket breakdowns:
// CATEGORY and COMPOUND_SUM rows are additionally broken out into named
// sub-groups under "group_by_<field>" for every requested group-by field.
func (e *Engine) GetGroupsAggregation(ctx context.Context, q v1.GroupsQuery) ([]v1.DatasetPoint, error) {
	compute := func() ([]v1.DatasetPoint, error) {
		return e.computeGroups(ctx, q, false)
	}
	points, err := cachedResult(ctx, e.cache, q, q.Cache, q.RebuildCache, q.ReportID, q.TimeRange, compute)
	if err != nil {
		return nil, err
	}
	if e.hooks != nil {
		e.hooks.FireAfterDatasetGenerated(ctx, &q.DatasetQuery, points)
	}
	return points, nil
}

// GetGroupsAggregationRealtime is the buffer-merging variant. Never cached.
func (e *Engine) GetGroupsAggregationRealtime(ctx context.Context, q v1.GroupsQuery) ([]v1.DatasetPoint, error) {
	points, err := e.computeGroups(ctx, q, true)
	if err != nil {
		return nil, err
	}
	if e.hooks != nil {
		e.hooks.FireAfterDatasetGenerated(ctx, &q.DatasetQuery, points)
	}
	return points, nil
}

func (e *Engine) computeGroups(ctx context.Context, q v1.GroupsQuery, realtime bool) ([]v1.DatasetPoint, error) {
	res, gran, err := e.datasetFanOut(ctx, q.DatasetQuery, realtime)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []v1.DatasetPoint{}, nil
	}

	acc := newDatasetAccumulator(gran)
	groups := newGroupAccumulator(gran, q.GroupBy)
	for _, row := range res.aggregates {
		acc.addAggregate(row)
		groups.addAggregate(row)
	}
	for _, row := range res.booleans {
		acc.addBoolean(row)
	}
	for _, entry := range res.entries {
		acc.addEntry(entry)
		groups.addEntry(entry)
	}

	points := acc.points()
	for i := range points {
		points[i].Groups = groups.bucketGroups(points[i].Timestamp)
	}
	return points, nil
}

// groupAccumulator collects per-bucket sub-group metrics, keyed bucket ->
// group-by field -> group name -> metric name.
type groupAccumulator struct {
	gran    metrics.Granularity
	fields  map[string]bool
	buckets map[int64]map[string]map[string]map[string]decimal.Decimal
}

func newGroupAccumulator(gran metrics.Granularity, groupBy []string) *groupAccumulator {
	fields := make(map[string]bool, len(groupBy))
	for _, f := range groupBy {
		fields[f] = true
	}
	return &groupAccumulator{
		gran:    gran,
		fields:  fields,
		buckets: make(map[int64]map[string]map[string]map[string]decimal.Decimal),
	}
}

// add records one contribution: a CATEGORY row grouped by its own field
// contributes a count, a COMPOUND_SUM row grouped by its category field
// contributes the summed metric.
func (a *groupAccumulator) add(ts int64, field, name, metric string, v decimal.Decimal) {
	byField, ok := a.buckets[ts]
	if !ok {
		byField = make(map[string]map[string]map[string]decimal.Decimal)
		a.buckets[ts] = byField
	}
	byName, ok := byField[field]
	if !ok {
		byName = make(map[string]map[string]decimal.Decimal)
		byField[field] = byName
	}
	group, ok := byName[name]
	if !ok {
		group = make(map[string]decimal.Decimal)
		byName[name] = group
	}
	group[metric] = group[metric].Add(v)
}

func (a *groupAccumulator) addAggregate(row storage.AggregateRow) {
	ts := a.gran.Truncate(row.Timestamp).UnixMilli()
	switch row.AggregationType {
	case metrics.AggCategory:
		if a.fields[row.PayloadField] {
			a.add(ts, row.PayloadField, row.PayloadCategory, "count", row.Value)
		}
	case metrics.AggCompoundSum:
		if a.fields[row.CompoundCategoryKey] {
			a.add(ts, row.CompoundCategoryKey, row.PayloadCategory, row.PayloadField+"_sum", row.Value)
		}
	}
}

func (a *groupAccumulator) addEntry(e buffer.Entry) {
	a.addAggregate(storage.AggregateRow{
		Timestamp:           e.Timestamp,
		AggregationType:     e.AggregationType,
		EventType:           e.EventType,
		PayloadField:        e.PayloadField,
		PayloadCategory:     e.PayloadCategory,
		CompoundCategoryKey: e.CompoundCategoryKey,
		Value:               e.Value,
	})
}

// bucketGroups renders one bucket's breakdowns, entries sorted by name.
func (a *groupAccumulator) bucketGroups(bucket time.Time) map[string][]v1.GroupEntry {
	byField, ok := a.buckets[bucket.UnixMilli()]
	if !ok {
		return nil
	}
	out := make(map[string][]v1.GroupEntry, len(byField))
	for field, byName := range byField {
		entries := make([]v1.GroupEntry, 0, len(byName))
		for name, group := range byName {
			entries = append(entries, v1.GroupEntry{Name: name, Metrics: group})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		out["group_by_"+field] = entries
	}
	return out
}
