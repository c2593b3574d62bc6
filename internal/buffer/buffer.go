package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

const (
	targetsKey = "strata:buffer:targets"

	// DefaultTTL bounds how long buffered entries outlive their write. The
	// durable tier owns everything older; the buffer only covers the window
	// the aggregation pipeline may not have flushed yet.
	DefaultTTL = 15 * time.Minute

	// defaultPageSize is the ZRANGEBYSCORE page for range scans.
	defaultPageSize = 1000
)

// Buffer is the ephemeral realtime tier: one sorted set per target
// collection, scored by event-time milliseconds, plus a membership set of
// live targets. Reads are always merged with the durable tier upstream; a
// lost buffer costs freshness, never correctness.
type Buffer struct {
	client   *redis.Client
	ttl      time.Duration
	pageSize int64
}

// New creates a buffer. ttl <= 0 selects DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Buffer{client: client, ttl: ttl, pageSize: defaultPageSize}
}

func bufferKey(target string) string {
	return "strata:buffer:" + target
}

// Add writes entries for one target and refreshes the key TTL. Each write
// extends the window; an idle target expires wholesale.
func (b *Buffer) Add(ctx context.Context, target string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	key := bufferKey(target)
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		members = append(members, redis.Z{
			Score:  float64(e.Timestamp.UnixMilli()),
			Member: encodeToken(e),
		})
	}

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, b.ttl)
	pipe.SAdd(ctx, targetsKey, target)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer %s: add: %w", target, err)
	}

	slog.Debug("[Buffer] Added entries", "target", target, "count", len(entries))
	return nil
}

// matches applies the durable tier's filter semantics to a buffered entry,
// so both tiers answer a query identically.
func matches(e Entry, filter storage.AggregateFilter) bool {
	if filter.AttributionType != "" &&
		(e.AttributionType != filter.AttributionType || e.AttributionValue != filter.AttributionValue) {
		return false
	}
	if filter.AggregationType != "" && e.AggregationType != filter.AggregationType {
		return false
	}
	if filter.PayloadField != "" && e.PayloadField != filter.PayloadField {
		return false
	}
	if filter.CompoundCategoryKey != "" && e.CompoundCategoryKey != filter.CompoundCategoryKey {
		return false
	}
	if len(filter.SourceIDs) > 0 && !containsString(filter.SourceIDs, e.SourceID) {
		return false
	}
	if len(filter.EventTypes) > 0 && !containsString(filter.EventTypes, e.EventType) {
		return false
	}
	if len(filter.Granularities) > 0 {
		found := false
		for _, g := range filter.Granularities {
			if e.Granularity == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.MetricFields) > 0 && filter.AggregationType == "" {
		// A metric list narrows only the value-bearing types; COUNT and
		// BOOLEAN are always included, matching the durable tier.
		if e.AggregationType != "COUNT" && e.AggregationType != "BOOLEAN" &&
			!containsString(filter.MetricFields, e.PayloadField) {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Query scans one target's sorted set over the inclusive time range and
// returns decoded entries passing the filter. Scans page through the score
// range; Redis filters by time, everything else is filtered here.
func (b *Buffer) Query(ctx context.Context, target string, timeRange v1.TimeRange, filter storage.AggregateFilter) ([]Entry, error) {
	key := bufferKey(target)
	min := strconv.FormatInt(timeRange.Start.UnixMilli(), 10)
	max := strconv.FormatInt(timeRange.End.UnixMilli(), 10)

	var results []Entry
	var offset int64
	for {
		page, err := b.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  b.pageSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("buffer %s: query: %w", target, err)
		}

		for _, z := range page {
			token, ok := z.Member.(string)
			if !ok {
				continue
			}
			entry, err := decodeToken(token)
			if err != nil {
				// One malformed token must not poison the whole read.
				slog.Warn("[Buffer] Skipping malformed token", "target", target, "error", err)
				continue
			}
			entry.Timestamp = time.UnixMilli(int64(z.Score)).UTC()
			if matches(entry, filter) {
				results = append(results, entry)
			}
		}

		if int64(len(page)) < b.pageSize {
			break
		}
		offset += b.pageSize
	}

	return results, nil
}

// Targets lists collections with live buffered data.
func (b *Buffer) Targets(ctx context.Context) ([]string, error) {
	targets, err := b.client.SMembers(ctx, targetsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: targets: %w", err)
	}
	return targets, nil
}

// RemoveTarget drops one target's buffer and its membership entry. Used
// when an aggregation source is removed or reprocessed from scratch.
func (b *Buffer) RemoveTarget(ctx context.Context, target string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, bufferKey(target))
	pipe.SRem(ctx, targetsKey, target)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer %s: remove: %w", target, err)
	}
	slog.Info("[Buffer] Removed target", "target", target)
	return nil
}

// Clear drops every live buffer. Test and reprocessing helper.
func (b *Buffer) Clear(ctx context.Context) error {
	targets, err := b.Targets(ctx)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	for _, target := range targets {
		pipe.Del(ctx, bufferKey(target))
	}
	pipe.Del(ctx, targetsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer: clear: %w", err)
	}
	return nil
}
