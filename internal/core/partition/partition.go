package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
)

// Ordinal time partitioning: metric rows land in physical tables named
// "<prefix>_<bucketIndex>", where the index counts whole buckets since the
// Unix epoch. The aggregator's write path, the query engine's read path and
// the lifecycle scanner all derive names through this package, so an
// off-by-one in a private copy would desynchronize them silently.

// BucketDuration is the wall-clock span one partition table covers:
// granularity width times the number of buckets per partition.
func BucketDuration(granularity metrics.Granularity, length int) time.Duration {
	if length <= 0 {
		length = 1
	}
	return time.Duration(granularity.Millis()*int64(length)) * time.Millisecond
}

// BucketIndex is the ordinal of the partition containing t: the number of
// full partition spans since the epoch. Monotonic non-decreasing in t.
func BucketIndex(t time.Time, bucketDuration time.Duration) int64 {
	ms := bucketDuration.Milliseconds()
	if ms <= 0 {
		return 0
	}
	epoch := t.UnixMilli()
	idx := epoch / ms
	if epoch < 0 && epoch%ms != 0 {
		idx--
	}
	return idx
}

// Name returns the storage-unit name holding rows for timestamp t.
func Name(prefix string, t time.Time, granularity metrics.Granularity, length int) string {
	d := BucketDuration(granularity, length)
	return fmt.Sprintf("%s_%d", prefix, BucketIndex(t, d))
}

// NamesForRange enumerates every storage-unit name touched by the inclusive
// range, in ascending index order. A range contained in one bucket yields
// exactly the name that Name returns for either endpoint.
func NamesForRange(prefix string, timeRange v1.TimeRange, granularity metrics.Granularity, length int) []string {
	d := BucketDuration(granularity, length)
	start := BucketIndex(timeRange.Start, d)
	end := BucketIndex(timeRange.End, d)
	if end < start {
		return nil
	}
	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		names = append(names, fmt.Sprintf("%s_%d", prefix, i))
	}
	return names
}

var indexSuffix = regexp.MustCompile(`_(\d+)$`)

// ParseIndex extracts the bucket index from a partitioned storage-unit name.
// The second return is false when the name carries no index suffix.
func ParseIndex(name string) (int64, bool) {
	m := indexSuffix.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// MaxStaleIndex computes the first partition index still considered hot for
// a retention window ending hotDays before now. Every partition with a
// strictly smaller index is stale and eligible for offload and drop.
func MaxStaleIndex(now time.Time, hotDays int, granularity metrics.Granularity, length int) int64 {
	threshold := now.Add(-time.Duration(hotDays) * 24 * time.Hour)
	return BucketIndex(threshold, BucketDuration(granularity, length))
}
