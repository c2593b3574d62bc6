package query

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// bucketKey merges rows from every source and storage unit onto one query
// bucket. Category is empty except for CATEGORY and COMPOUND_SUM reads.
type bucketKey struct {
	ts       int64
	category string
}

// pointAccumulator sums per-bucket values at the query granularity. Rows
// arrive at storage resolution; truncation to the query bucket happens here,
// in one place, for the durable and realtime tiers alike.
type pointAccumulator struct {
	gran    metrics.Granularity
	buckets map[bucketKey]decimal.Decimal
}

func newPointAccumulator(gran metrics.Granularity) *pointAccumulator {
	return &pointAccumulator{gran: gran, buckets: make(map[bucketKey]decimal.Decimal)}
}

func (a *pointAccumulator) add(ts time.Time, category string, v decimal.Decimal) {
	key := bucketKey{ts: a.gran.Truncate(ts).UnixMilli(), category: category}
	a.buckets[key] = a.buckets[key].Add(v)
}

func (a *pointAccumulator) addAggregate(row storage.AggregateRow) {
	a.add(row.Timestamp, pointCategory(row.AggregationType, row.PayloadCategory), row.Value)
}

func (a *pointAccumulator) addEntry(e buffer.Entry) {
	a.add(e.Timestamp, pointCategory(e.AggregationType, e.PayloadCategory), e.Value)
}

// addBoolean folds a boolean fact in as 0/1, so a BOOLEAN report reads as
// "true occurrences per bucket".
func (a *pointAccumulator) addBoolean(row storage.BooleanRow) {
	v := decimal.Zero
	if row.Value {
		v = decimal.NewFromInt(1)
	}
	a.add(row.Timestamp, "", v)
}

// points renders the accumulated buckets sorted by timestamp, then category.
func (a *pointAccumulator) points() []v1.ReportPoint {
	out := make([]v1.ReportPoint, 0, len(a.buckets))
	for key, value := range a.buckets {
		out = append(out, v1.ReportPoint{
			Timestamp: time.UnixMilli(key.ts).UTC(),
			Value:     value,
			Category:  key.category,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func pointCategory(aggType metrics.AggregationType, category string) string {
	if aggType == metrics.AggCategory || aggType == metrics.AggCompoundSum {
		return category
	}
	return ""
}

// mergePoints combines already-sorted point slices into one sorted series.
// Cached chunks and freshly computed gaps meet here.
func mergePoints(series ...[]v1.ReportPoint) []v1.ReportPoint {
	var out []v1.ReportPoint
	for _, s := range series {
		out = append(out, s...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Category < out[j].Category
	})
	return out
}
