package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// Mode selects the cache policy.
type Mode string

const (
	// ModeOff disables the result cache entirely.
	ModeOff Mode = "off"
	// ModeAlways caches every cacheable query.
	ModeAlways Mode = "always"
	// ModeControlled caches only queries that opt in with Cache: true.
	ModeControlled Mode = "controlled"
)

// Cache memoizes query results. Full mode stores one entry per exact query;
// partial mode stores time-range chunks under a base key shared by every
// range variant of the same query, reassembled on read. A nil *Cache is a
// valid "never cache" instance.
type Cache struct {
	store storage.CacheStore
	mode  Mode
	ttl   time.Duration
}

// NewCache wires a cache. ttl zero means entries never age out.
func NewCache(store storage.CacheStore, mode Mode, ttl time.Duration) *Cache {
	return &Cache{store: store, mode: mode, ttl: ttl}
}

func (c *Cache) enabled(optIn bool) bool {
	if c == nil || c.store == nil {
		return false
	}
	switch c.mode {
	case ModeAlways:
		return true
	case ModeControlled:
		return optIn
	default:
		return false
	}
}

// canonicalKey hashes a query deterministically: the struct goes through a
// JSON round trip into a map so keys are emitted sorted, volatile fields are
// stripped, and the result is the hex SHA-256 of the canonical bytes.
func canonicalKey(q any, strip ...string) (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	delete(m, "rebuild_cache")
	delete(m, "cache")
	for _, field := range strip {
		delete(m, field)
	}
	canon, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// fullKey identifies the exact query, time range included.
func fullKey(q any) (string, error) {
	return canonicalKey(q)
}

// baseKey identifies the query shape independent of its time range, so
// chunks for different ranges of the same query share it.
func baseKey(q any) (string, error) {
	return canonicalKey(q, "time_range")
}

func decodeChunk(chunk *storage.CacheChunk, dest any) error {
	return json.Unmarshal(chunk.Data, dest)
}

func (c *Cache) expired(chunk *storage.CacheChunk) bool {
	return c.ttl > 0 && time.Since(chunk.CreatedAt) > c.ttl
}

// getFull reads a full-mode entry into dest. Misses and store errors both
// report false; the caller always has the live path.
func (c *Cache) getFull(ctx context.Context, key string, dest any) bool {
	chunk, err := c.store.GetByCacheKey(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("[Query] Cache read failed", "cache_key", key, "error", err)
		}
		return false
	}
	if c.expired(chunk) {
		return false
	}
	if err := decodeChunk(chunk, dest); err != nil {
		slog.Warn("[Query] Dropping undecodable cache entry", "cache_key", key, "error", err)
		return false
	}
	return true
}

// putFull stores a full-mode entry, overwriting any previous one.
func (c *Cache) putFull(ctx context.Context, key, reportID string, timeRange v1.TimeRange, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("[Query] Cache encode failed", "cache_key", key, "error", err)
		return
	}
	err = c.store.PutFull(ctx, &storage.CacheChunk{
		CacheKey:  key,
		ReportID:  reportID,
		TimeRange: timeRange,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("[Query] Cache write failed", "cache_key", key, "error", err)
	}
}

// coveringChunks fetches partial-mode chunks overlapping the range and walks
// it in order, returning the usable chunks plus the uncovered gaps. Expired
// chunks count as gaps.
func (c *Cache) coveringChunks(ctx context.Context, base string, timeRange v1.TimeRange) ([]*storage.CacheChunk, []v1.TimeRange, error) {
	stored, err := c.store.GetOverlapping(ctx, base, timeRange)
	if err != nil {
		return nil, nil, err
	}

	var (
		chunks []*storage.CacheChunk
		gaps   []v1.TimeRange
	)
	cursor := timeRange.Start
	for _, chunk := range stored {
		if c.expired(chunk) || !chunk.TimeRange.End.After(cursor) {
			continue
		}
		if chunk.TimeRange.Start.After(cursor) {
			gaps = append(gaps, v1.TimeRange{Start: cursor, End: chunk.TimeRange.Start})
		}
		chunks = append(chunks, chunk)
		if chunk.TimeRange.End.After(cursor) {
			cursor = chunk.TimeRange.End
		}
	}
	if cursor.Before(timeRange.End) {
		gaps = append(gaps, v1.TimeRange{Start: cursor, End: timeRange.End})
	}
	return chunks, gaps, nil
}

// storeChunk persists one freshly computed gap as a partial-mode chunk.
func (c *Cache) storeChunk(ctx context.Context, base, reportID string, timeRange v1.TimeRange, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("[Query] Cache encode failed", "base_key", base, "error", err)
		return
	}
	err = c.store.PutPartial(ctx, &storage.CacheChunk{
		BaseKey:   base,
		ReportID:  reportID,
		TimeRange: timeRange,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("[Query] Cache write failed", "base_key", base, "error", err)
	}
}

// replaceChunk drops every chunk overlapping the range and stores the fresh
// result in their place. The rebuild path writes through it even when the
// fresh result is legitimately empty.
func (c *Cache) replaceChunk(ctx context.Context, base, reportID string, timeRange v1.TimeRange, result any) {
	if err := c.store.DeleteOverlapping(ctx, base, timeRange); err != nil {
		slog.Warn("[Query] Cache invalidation failed", "base_key", base, "error", err)
		return
	}
	c.storeChunk(ctx, base, reportID, timeRange, result)
}

// cachedResult wraps a full-mode lookup around compute for the dataset and
// group shapes. Cache trouble never fails the query.
func cachedResult[T any](ctx context.Context, c *Cache, q any, optIn, rebuild bool, reportID string, timeRange v1.TimeRange, compute func() (T, error)) (T, error) {
	var zero T
	if !c.enabled(optIn) {
		return compute()
	}
	key, err := fullKey(q)
	if err != nil {
		slog.Warn("[Query] Cache key derivation failed", "error", err)
		return compute()
	}
	if !rebuild {
		var cached T
		if c.getFull(ctx, key, &cached) {
			return cached, nil
		}
	}
	result, err := compute()
	if err != nil {
		return zero, fmt.Errorf("compute for cache: %w", err)
	}
	c.putFull(ctx, key, reportID, timeRange, result)
	return result, nil
}
