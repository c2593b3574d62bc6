package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// CacheAdapter implements storage.CacheStore over the report_cache table.
// Full-mode chunks are addressed by cache_key; partial-mode chunks carry
// only a base_key and must stay time-disjoint per base key, which the gap
// walk upstream guarantees by deleting overlaps before a rebuild.
type CacheAdapter struct {
	*Adapter
}

// NewCacheAdapter returns the result-cache view of the shared adapter.
func NewCacheAdapter(a *Adapter) *CacheAdapter {
	return &CacheAdapter{Adapter: a}
}

func (a *CacheAdapter) GetByCacheKey(ctx context.Context, cacheKey string) (*storage.CacheChunk, error) {
	chunk, err := scanCacheChunk(a.db.QueryRowContext(ctx, queryGetCacheByKey, cacheKey))
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// GetOverlapping returns partial-mode chunks intersecting the requested
// inclusive range, ordered by range start.
func (a *CacheAdapter) GetOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) ([]*storage.CacheChunk, error) {
	rows, err := a.db.QueryContext(ctx, queryGetOverlappingCache, baseKey, timeRange.Start, timeRange.End)
	if err != nil {
		return nil, fmt.Errorf("get overlapping cache chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*storage.CacheChunk
	for rows.Next() {
		chunk, err := scanCacheChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get overlapping cache chunks: iterate rows: %w", err)
	}
	return chunks, nil
}

// PutFull stores a full-mode chunk, overwriting any previous entry under
// the same cache key (the rebuildCache path).
func (a *CacheAdapter) PutFull(ctx context.Context, chunk *storage.CacheChunk) error {
	_, err := a.db.ExecContext(ctx, queryUpsertFullCache,
		chunk.CacheKey, chunk.ReportID,
		chunk.TimeRange.Start, chunk.TimeRange.End,
		chunk.Data, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("put full cache chunk: %w", err)
	}
	slog.Debug("[Postgres] Stored full cache chunk", "cache_key", chunk.CacheKey)
	return nil
}

// PutPartial appends a partial-mode chunk. Callers clear overlaps first;
// the adapter does not enforce disjointness.
func (a *CacheAdapter) PutPartial(ctx context.Context, chunk *storage.CacheChunk) error {
	_, err := a.db.ExecContext(ctx, queryInsertPartialCache,
		chunk.BaseKey, chunk.ReportID,
		chunk.TimeRange.Start, chunk.TimeRange.End,
		chunk.Data, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("put partial cache chunk: %w", err)
	}
	slog.Debug("[Postgres] Stored partial cache chunk",
		"base_key", chunk.BaseKey,
		"range_start", chunk.TimeRange.Start,
		"range_end", chunk.TimeRange.End)
	return nil
}

// DeleteOverlapping clears partial-mode chunks intersecting the range,
// ahead of a rebuild write.
func (a *CacheAdapter) DeleteOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) error {
	result, err := a.db.ExecContext(ctx, queryDeleteOverlappingCache, baseKey, timeRange.Start, timeRange.End)
	if err != nil {
		return fmt.Errorf("delete overlapping cache chunks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete overlapping cache chunks: %w", err)
	}
	if deleted > 0 {
		slog.Debug("[Postgres] Cleared cache chunks", "base_key", baseKey, "deleted", deleted)
	}
	return nil
}

func (a *CacheAdapter) CountByBaseKey(ctx context.Context, baseKey string) (int64, error) {
	var count int64
	if err := a.db.QueryRowContext(ctx, queryCountCacheByBaseKey, baseKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache chunks: %w", err)
	}
	return count, nil
}

func scanCacheChunk(row scanner) (*storage.CacheChunk, error) {
	var chunk storage.CacheChunk
	err := row.Scan(
		&chunk.CacheKey,
		&chunk.BaseKey,
		&chunk.ReportID,
		&chunk.TimeRange.Start,
		&chunk.TimeRange.End,
		&chunk.Data,
		&chunk.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache chunk: %w", err)
	}
	return &chunk, nil
}
