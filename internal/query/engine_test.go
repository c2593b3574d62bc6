package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/core/storage/memstore"
)

type engineFixture struct {
	engine  *Engine
	metrics *memstore.MetricStore
	catalog *memstore.Catalog
	buffer  *buffer.Buffer
}

func newEngineFixture(t *testing.T, withBuffer bool) *engineFixture {
	t.Helper()
	f := &engineFixture{
		metrics: memstore.NewMetricStore(),
		catalog: &memstore.Catalog{
			Reports: []*v1.Report{{ID: "rep-1", Name: "revenue", Active: true}},
			AggregationSources: []*v1.AggregationSource{{
				ID:               "agg-1",
				ReportID:         "rep-1",
				TargetCollection: "revenue_hourly",
				Granularity:      "hour",
			}},
		},
	}
	if withBuffer {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		f.buffer = buffer.New(client, 0)
	}
	f.engine = New(f.metrics, f.catalog, f.buffer, nil, nil, Config{})
	return f
}

func delta(aggType metrics.AggregationType, ts time.Time, field, category, compoundKey string, v int64) metrics.Delta {
	return metrics.Delta{
		Key: metrics.Key{
			SourceID:            "src-1",
			EventType:           "payment",
			Timestamp:           ts,
			Granularity:         metrics.GranHour,
			AttributionType:     metrics.TotalAttribution,
			AttributionValue:    metrics.TotalAttribution,
			AggregationType:     aggType,
			PayloadField:        field,
			PayloadCategory:     category,
			CompoundCategoryKey: compoundKey,
		},
		Increment: decimal.NewFromInt(v),
	}
}

func (f *engineFixture) seed(t *testing.T, deltas ...metrics.Delta) {
	t.Helper()
	require.NoError(t, f.metrics.UpsertDeltas(context.Background(), "revenue_hourly", deltas))
}

func TestGetReport_SumsBucketsAtQueryGranularity(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	f.seed(t,
		delta(metrics.AggSum, day.Add(9*time.Hour), "amount", "", "", 100),
		delta(metrics.AggSum, day.Add(10*time.Hour), "amount", "", "", 50),
		delta(metrics.AggSum, day.Add(30*time.Hour), "amount", "", "", 75),
	)

	points, err := f.engine.GetReport(ctx, v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "SUM", Field: "amount"},
		TimeRange:   v1.TimeRange{Start: day, End: day.Add(48 * time.Hour)},
		Granularity: "day",
	})
	require.NoError(t, err)

	// two hourly storage buckets collapse into the first day bucket
	require.Len(t, points, 2)
	require.Equal(t, day, points[0].Timestamp)
	require.True(t, points[0].Value.Equal(decimal.NewFromInt(150)))
	require.Equal(t, day.Add(24*time.Hour), points[1].Timestamp)
	require.True(t, points[1].Value.Equal(decimal.NewFromInt(75)))
}

func TestGetReport_CategoryKeepsBreakdown(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	f.seed(t,
		delta(metrics.AggCategory, hour, "currency", "USD", "", 2),
		delta(metrics.AggCategory, hour, "currency", "EUR", "", 1),
	)

	points, err := f.engine.GetReport(ctx, v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "CATEGORY", Field: "currency"},
		TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
		Granularity: "hour",
	})
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "EUR", points[0].Category)
	require.True(t, points[0].Value.Equal(decimal.NewFromInt(1)))
	require.Equal(t, "USD", points[1].Category)
	require.True(t, points[1].Value.Equal(decimal.NewFromInt(2)))
}

func TestGetReport_UnknownReportFailsFast(t *testing.T) {
	f := newEngineFixture(t, false)

	_, err := f.engine.GetReport(context.Background(), v1.Query{
		ReportID:    "nope",
		Metric:      v1.MetricSelector{Type: "COUNT"},
		Granularity: "hour",
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetReport_NoSourcesIsEmptyNotError(t *testing.T) {
	f := newEngineFixture(t, false)
	f.catalog.Reports = append(f.catalog.Reports, &v1.Report{ID: "rep-empty", Active: true})

	points, err := f.engine.GetReport(context.Background(), v1.Query{
		ReportID:    "rep-empty",
		Metric:      v1.MetricSelector{Type: "COUNT"},
		Granularity: "hour",
	})
	require.NoError(t, err)
	require.Empty(t, points)
}

func TestGetReport_AttributionScoping(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	total := delta(metrics.AggSum, hour, "amount", "", "", 150)
	scoped := delta(metrics.AggSum, hour, "amount", "", "", 100)
	scoped.Key.AttributionType = "identity"
	scoped.Key.AttributionValue = "user_1"
	f.seed(t, total, scoped)

	q := v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "SUM", Field: "amount"},
		TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
		Granularity: "hour",
	}
	points, err := f.engine.GetReport(ctx, q)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.True(t, points[0].Value.Equal(decimal.NewFromInt(150)))

	q.Attribution = &v1.Attribution{Type: "identity", Value: "user_1"}
	points, err = f.engine.GetReport(ctx, q)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.True(t, points[0].Value.Equal(decimal.NewFromInt(100)))
}

func TestGetDataset_MetricNamingAndBooleans(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	eventTime := hour.Add(17 * time.Minute)
	f.seed(t,
		delta(metrics.AggCount, hour, "", "", "", 3),
		delta(metrics.AggSum, hour, "amount", "", "", 225),
		delta(metrics.AggCategory, hour, "currency", "USD", "", 2),
		delta(metrics.AggCompoundSum, hour, "amount", "USD", "currency", 150),
	)
	verified := delta(metrics.AggBoolean, eventTime, "verified", "", "", 1)
	require.NoError(t, f.metrics.InsertBooleanDeltas(ctx, "revenue_hourly", []metrics.Delta{verified}))

	points, err := f.engine.GetDataset(ctx, v1.DatasetQuery{
		ReportID:    "rep-1",
		TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
		Granularity: "hour",
	})
	require.NoError(t, err)
	require.Len(t, points, 1)

	got := points[0]
	require.Equal(t, hour, got.Timestamp)
	require.True(t, got.Metrics["payment_count"].Equal(decimal.NewFromInt(3)))
	require.True(t, got.Metrics["amount_sum"].Equal(decimal.NewFromInt(225)))
	require.True(t, got.Metrics["currency_by_USD"].Equal(decimal.NewFromInt(2)))
	require.True(t, got.Metrics["amount_sum_by_currency_USD"].Equal(decimal.NewFromInt(150)))

	require.Len(t, got.BooleanGroups, 1)
	require.Equal(t, "verified", got.BooleanGroups[0].Name)
	require.True(t, got.BooleanGroups[0].Value)
	// the occurrence keeps the raw event time, not its bucket
	require.Equal(t, eventTime, got.BooleanGroups[0].Timestamp)
}

func TestGetDataset_MetricOptIn(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	f.seed(t,
		delta(metrics.AggCount, hour, "", "", "", 3),
		delta(metrics.AggSum, hour, "amount", "", "", 225),
		delta(metrics.AggSum, hour, "quantity", "", "", 9),
	)

	points, err := f.engine.GetDataset(ctx, v1.DatasetQuery{
		ReportID:    "rep-1",
		Metrics:     []string{"amount"},
		TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
		Granularity: "hour",
	})
	require.NoError(t, err)
	require.Len(t, points, 1)

	// COUNT is always included; unlisted fields are not
	require.Contains(t, points[0].Metrics, "payment_count")
	require.Contains(t, points[0].Metrics, "amount_sum")
	require.NotContains(t, points[0].Metrics, "quantity_sum")
}

func TestGetGroupsAggregation_BreaksOutSubGroups(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	f.seed(t,
		delta(metrics.AggCategory, hour, "currency", "USD", "", 2),
		delta(metrics.AggCategory, hour, "currency", "EUR", "", 1),
		delta(metrics.AggCompoundSum, hour, "amount", "USD", "currency", 150),
		delta(metrics.AggCompoundSum, hour, "amount", "EUR", "currency", 75),
	)

	points, err := f.engine.GetGroupsAggregation(ctx, v1.GroupsQuery{
		DatasetQuery: v1.DatasetQuery{
			ReportID:    "rep-1",
			TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
			Granularity: "hour",
		},
		GroupBy: []string{"currency"},
	})
	require.NoError(t, err)
	require.Len(t, points, 1)

	groups := points[0].Groups["group_by_currency"]
	require.Len(t, groups, 2)
	require.Equal(t, "EUR", groups[0].Name)
	require.True(t, groups[0].Metrics["count"].Equal(decimal.NewFromInt(1)))
	require.True(t, groups[0].Metrics["amount_sum"].Equal(decimal.NewFromInt(75)))
	require.Equal(t, "USD", groups[1].Name)
	require.True(t, groups[1].Metrics["count"].Equal(decimal.NewFromInt(2)))
	require.True(t, groups[1].Metrics["amount_sum"].Equal(decimal.NewFromInt(150)))
}

func TestGetReportRealtime_MergesBufferTail(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour).Truncate(time.Hour)
	f.seed(t, delta(metrics.AggSum, old, "amount", "", "", 100))

	// a fresh delta that only the buffer has seen yet
	require.NoError(t, f.buffer.Add(ctx, "revenue_hourly", []buffer.Entry{{
		Value:            decimal.NewFromInt(40),
		AggregationType:  metrics.AggSum,
		PayloadField:     "amount",
		AttributionType:  metrics.TotalAttribution,
		AttributionValue: metrics.TotalAttribution,
		SourceID:         "src-1",
		EventType:        "payment",
		Granularity:      metrics.GranHour,
		Timestamp:        now.Add(-time.Minute),
	}}))

	points, err := f.engine.GetReportRealtime(ctx, v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "SUM", Field: "amount"},
		TimeRange:   v1.TimeRange{Start: now.Add(-3 * time.Hour), End: now},
		Granularity: "hour",
	})
	require.NoError(t, err)
	require.Len(t, points, 2)

	var total decimal.Decimal
	for _, p := range points {
		total = total.Add(p.Value)
	}
	require.True(t, total.Equal(decimal.NewFromInt(140)))
}

func TestGetReport_InvalidGranularity(t *testing.T) {
	f := newEngineFixture(t, false)

	_, err := f.engine.GetReport(context.Background(), v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "SUM", Field: "amount"},
		Granularity: "fortnight",
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, storage.ErrNotFound))
}

func TestSplitRealtime_TiersAreDisjoint(t *testing.T) {
	f := newEngineFixture(t, true)

	now := time.Now()
	durable, realtime := f.engine.splitRealtime(v1.TimeRange{
		Start: now.Add(-2 * time.Hour),
		End:   now,
	})

	// both sub-ranges are inclusive, so no instant may belong to both
	require.Equal(t, time.Millisecond, realtime.Start.Sub(durable.End))
	require.True(t, durable.Contains(durable.End))
	require.False(t, durable.Contains(realtime.Start))
	require.True(t, realtime.Contains(realtime.Start))
}

func TestSplitRealtime_DegenerateRanges(t *testing.T) {
	f := newEngineFixture(t, true)
	now := time.Now()

	// entirely behind the cutoff: durable only
	durable, realtime := f.engine.splitRealtime(v1.TimeRange{
		Start: now.Add(-3 * time.Hour),
		End:   now.Add(-2 * time.Hour),
	})
	require.False(t, emptyRange(durable))
	require.True(t, emptyRange(realtime))

	// entirely inside the buffer window: realtime only
	durable, realtime = f.engine.splitRealtime(v1.TimeRange{
		Start: now.Add(-time.Minute),
		End:   now,
	})
	require.True(t, emptyRange(durable))
	require.False(t, emptyRange(realtime))
}
