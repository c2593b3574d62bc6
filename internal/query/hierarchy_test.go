package query

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
)

func addTestLeaf(h *hierarchy, group map[string]string, value int64, ts time.Time) {
	h.addLeaf(group, "", decimal.NewFromInt(value), ts)
}

func TestHierarchy_FlattenShape(t *testing.T) {
	ts := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	h := newHierarchy([]string{"country", "city", "sector"}, "amount_sum", "")

	addTestLeaf(h, map[string]string{"country": "A", "city": "X", "sector": "p"}, 100, ts)
	addTestLeaf(h, map[string]string{"country": "A", "city": "X", "sector": "q"}, 200, ts.Add(time.Minute))
	addTestLeaf(h, map[string]string{"country": "B", "city": "Y", "sector": "p"}, 300, ts)

	rows := h.flatten()
	// 2 countries + 2 cities + 3 sectors
	require.Len(t, rows, 7)

	byLevel := map[int][]v1.FlatGroupRow{}
	for _, row := range rows {
		byLevel[row.GroupLevel] = append(byLevel[row.GroupLevel], row)
		// parent chain length equals depth
		require.Len(t, row.ParentIDs, row.GroupLevel)
		require.Equal(t, row.GroupLevel == 0, row.IsGroupRoot)
		require.Equal(t, "amount_sum", row.Metric)
	}
	require.Len(t, byLevel[0], 2)
	require.Len(t, byLevel[1], 2)
	require.Len(t, byLevel[2], 3)

	// roots accumulate their descendants; label sort puts A before B
	rootA, rootB := byLevel[0][0], byLevel[0][1]
	require.Equal(t, "A", *rootA.Fields["country"])
	require.True(t, rootA.Value.Equal(decimal.NewFromInt(300)))
	require.Nil(t, rootA.Fields["city"])
	require.Nil(t, rootA.Fields["sector"])
	require.Equal(t, "B", *rootB.Fields["country"])
	require.True(t, rootB.Value.Equal(decimal.NewFromInt(300)))

	// depth-first: A's subtree precedes B entirely
	require.Equal(t, []string{"country", "city", "sector", "sector", "country", "city", "sector"},
		[]string{rows[0].GroupBy, rows[1].GroupBy, rows[2].GroupBy, rows[3].GroupBy, rows[4].GroupBy, rows[5].GroupBy, rows[6].GroupBy})

	// leaf parent chain walks root -> city
	leaf := rows[2]
	require.Equal(t, 2, leaf.GroupLevel)
	require.Equal(t, rows[0].ID, leaf.ParentIDs[0])
	require.Equal(t, rows[1].ID, leaf.ParentIDs[1])
	require.Equal(t, "p", *leaf.Fields["sector"])
}

func TestHierarchy_StableIDs(t *testing.T) {
	ts := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	build := func() []v1.FlatGroupRow {
		h := newHierarchy([]string{"country", "city"}, "amount_sum", "")
		addTestLeaf(h, map[string]string{"country": "A", "city": "X"}, 10, ts)
		addTestLeaf(h, map[string]string{"country": "B", "city": "Y"}, 20, ts)
		return h.flatten()
	}

	first, second := build(), build()
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
	}

	// framing keeps adjacent labels from bleeding into each other
	require.NotEqual(t, nodeID([]string{"ab", "c"}), nodeID([]string{"a", "bc"}))
}

func TestHierarchy_SiblingSort(t *testing.T) {
	ts := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	t.Run("numeric labels compare numerically", func(t *testing.T) {
		h := newHierarchy([]string{"tier"}, "amount_sum", "")
		addTestLeaf(h, map[string]string{"tier": "10"}, 1, ts)
		addTestLeaf(h, map[string]string{"tier": "2"}, 1, ts)
		rows := h.flatten()
		require.Equal(t, "2", *rows[0].Fields["tier"])
		require.Equal(t, "10", *rows[1].Fields["tier"])
	})

	t.Run("value sorts largest first", func(t *testing.T) {
		h := newHierarchy([]string{"tier"}, "amount_sum", "value")
		addTestLeaf(h, map[string]string{"tier": "a"}, 5, ts)
		addTestLeaf(h, map[string]string{"tier": "b"}, 50, ts)
		rows := h.flatten()
		require.Equal(t, "b", *rows[0].Fields["tier"])
	})

	t.Run("timestamp sorts most recent first", func(t *testing.T) {
		h := newHierarchy([]string{"tier"}, "amount_sum", "timestamp")
		addTestLeaf(h, map[string]string{"tier": "a"}, 1, ts)
		addTestLeaf(h, map[string]string{"tier": "b"}, 1, ts.Add(time.Hour))
		rows := h.flatten()
		require.Equal(t, "b", *rows[0].Fields["tier"])
	})
}

func TestGetFlatGroupsAggregation_FromLeaves(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	leaf := func(country, city string, v int64) metrics.Delta {
		d := delta(metrics.AggLeafSum, hour, "amount", "", "", v)
		d.Key.LeafKey = `{"city":"` + city + `","country":"` + country + `"}`
		return d
	}
	f.seed(t,
		leaf("A", "X", 100),
		leaf("A", "Z", 50),
		leaf("B", "Y", 300),
	)

	rows, err := f.engine.GetFlatGroupsAggregation(ctx, v1.FlatGroupsQuery{
		DatasetQuery: v1.DatasetQuery{
			ReportID:    "rep-1",
			Metrics:     []string{"amount"},
			TimeRange:   v1.TimeRange{Start: hour, End: hour.Add(time.Hour)},
			Granularity: "hour",
		},
		GroupBy: []string{"country", "city"},
	})
	require.NoError(t, err)
	// 2 countries + 3 cities
	require.Len(t, rows, 5)
	require.True(t, rows[0].IsGroupRoot)
	require.Equal(t, "A", *rows[0].Fields["country"])
	require.True(t, rows[0].Value.Equal(decimal.NewFromInt(150)))
}

func TestGetFlatGroupsAggregation_RequiresGroupByAndMetric(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.GetFlatGroupsAggregation(ctx, v1.FlatGroupsQuery{
		DatasetQuery: v1.DatasetQuery{ReportID: "rep-1", Metrics: []string{"amount"}, Granularity: "hour"},
	})
	require.Error(t, err)

	_, err = f.engine.GetFlatGroupsAggregation(ctx, v1.FlatGroupsQuery{
		DatasetQuery: v1.DatasetQuery{ReportID: "rep-1", Granularity: "hour"},
		GroupBy:      []string{"country"},
	})
	require.Error(t, err)
}

func TestGetFlatGroupsAggregation_GranularityPseudoLevel(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	// a second source at day granularity feeding a separate collection
	f.catalog.AggregationSources = append(f.catalog.AggregationSources, &v1.AggregationSource{
		ID:               "agg-2",
		ReportID:         "rep-1",
		TargetCollection: "revenue_daily",
		Granularity:      "day",
	})

	hour := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	hourly := delta(metrics.AggLeafSum, hour, "amount", "", "", 100)
	hourly.Key.LeafKey = `{"country":"A"}`
	require.NoError(t, f.metrics.UpsertDeltas(ctx, "revenue_hourly", []metrics.Delta{hourly}))

	daily := delta(metrics.AggLeafSum, day, "amount", "", "", 100)
	daily.Key.Granularity = metrics.GranDay
	daily.Key.LeafKey = `{"country":"A"}`
	require.NoError(t, f.metrics.UpsertDeltas(ctx, "revenue_daily", []metrics.Delta{daily}))

	rows, err := f.engine.GetFlatGroupsAggregation(ctx, v1.FlatGroupsQuery{
		DatasetQuery: v1.DatasetQuery{
			ReportID:    "rep-1",
			Metrics:     []string{"amount"},
			TimeRange:   v1.TimeRange{Start: day, End: day.Add(24 * time.Hour)},
			Granularity: "hour",
		},
		GroupBy:            []string{"country"},
		GroupByGranularity: []string{"hour", "day"},
	})
	require.NoError(t, err)
	// 2 granularity roots, each with one country child
	require.Len(t, rows, 4)
	require.Equal(t, GranularityLevel, rows[0].GroupBy)
	require.True(t, rows[0].IsGroupRoot)
	require.Equal(t, "country", rows[1].GroupBy)
	require.Len(t, rows[1].ParentIDs, 1)
}
