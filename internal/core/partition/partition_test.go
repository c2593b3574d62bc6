package partition

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
)

func TestBucketDuration(t *testing.T) {
	require.Equal(t, 24*time.Hour, BucketDuration(metrics.GranHour, 24))
	require.Equal(t, time.Hour, BucketDuration(metrics.GranHour, 0)) // length defaults to 1
	require.Equal(t, 7*24*time.Hour, BucketDuration(metrics.GranDay, 7))
}

func TestNameParseIndexRoundTrip(t *testing.T) {
	cases := []struct {
		at     time.Time
		gran   metrics.Granularity
		length int
	}{
		{time.Date(2026, 8, 29, 10, 17, 0, 0, time.UTC), metrics.GranHour, 24},
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), metrics.GranHour, 24},
		{time.Date(2026, 8, 29, 0, 0, 0, 1e6, time.UTC), metrics.GranDay, 7},
		{time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), metrics.GranHour, 24},
	}
	for _, tc := range cases {
		t.Run(tc.at.Format(time.RFC3339), func(t *testing.T) {
			name := Name("revenue_hourly", tc.at, tc.gran, tc.length)
			idx, ok := ParseIndex(name)
			require.True(t, ok)
			require.Equal(t, BucketIndex(tc.at, BucketDuration(tc.gran, tc.length)), idx)
		})
	}
}

func TestParseIndex_NoSuffix(t *testing.T) {
	_, ok := ParseIndex("revenue_hourly")
	require.False(t, ok)
	_, ok = ParseIndex("revenue_hourly_")
	require.False(t, ok)
}

func TestBucketIndex_MonotonicAcrossEpoch(t *testing.T) {
	d := BucketDuration(metrics.GranHour, 24)
	prev := BucketIndex(time.Date(1969, 12, 25, 0, 0, 0, 0, time.UTC), d)
	for at := time.Date(1969, 12, 26, 0, 0, 0, 0, time.UTC); at.Year() < 1971; at = at.Add(13 * time.Hour) {
		idx := BucketIndex(at, d)
		require.GreaterOrEqual(t, idx, prev, "at %s", at)
		prev = idx
	}
}

func TestNamesForRange_CoversEveryTouchedBucket(t *testing.T) {
	gran := metrics.GranHour
	length := 24
	start := time.Date(2026, 8, 1, 5, 0, 0, 0, time.UTC)
	end := start.Add(72 * time.Hour)

	names := NamesForRange("revenue_hourly", v1.TimeRange{Start: start, End: end}, gran, length)
	require.Len(t, names, 4)

	d := BucketDuration(gran, length)
	require.Equal(t, fmt.Sprintf("revenue_hourly_%d", BucketIndex(start, d)), names[0])
	require.Equal(t, fmt.Sprintf("revenue_hourly_%d", BucketIndex(end, d)), names[3])

	// every instant in the range resolves to a listed unit
	listed := make(map[string]bool, len(names))
	for _, n := range names {
		listed[n] = true
	}
	for at := start; !at.After(end); at = at.Add(time.Hour) {
		require.True(t, listed[Name("revenue_hourly", at, gran, length)], "at %s", at)
	}
}

func TestNamesForRange_SingleBucket(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r := v1.TimeRange{Start: at, End: at.Add(time.Minute)}
	names := NamesForRange("revenue_hourly", r, metrics.GranHour, 24)
	require.Equal(t, []string{Name("revenue_hourly", at, metrics.GranHour, 24)}, names)
}

func TestNamesForRange_InvertedRange(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r := v1.TimeRange{Start: at, End: at.Add(-48 * time.Hour)}
	require.Empty(t, NamesForRange("revenue_hourly", r, metrics.GranHour, 24))
}

func TestMaxStaleIndex(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	threshold := now.Add(-7 * 24 * time.Hour)
	d := BucketDuration(metrics.GranHour, 24)

	got := MaxStaleIndex(now, 7, metrics.GranHour, 24)
	require.Equal(t, BucketIndex(threshold, d), got)

	// a partition holding the threshold instant is hot, older ones stale
	require.GreaterOrEqual(t, BucketIndex(threshold, d), got)
	require.Less(t, BucketIndex(threshold.Add(-d), d), got)
}
