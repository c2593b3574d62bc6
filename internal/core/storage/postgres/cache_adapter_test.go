package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

func cacheRowColumns() []string {
	return []string{"cache_key", "base_key", "report_id", "range_start", "range_end", "data", "created_at"}
}

func TestCacheAdapter_GetByCacheKey(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()
	cache := NewCacheAdapter(adapter)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(queryGetCacheByKey)).
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows(cacheRowColumns()).
			AddRow("abc123", "", "rep-1", start, end, []byte(`[{"timestamp":1}]`), start))

	chunk, err := cache.GetByCacheKey(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, "rep-1", chunk.ReportID)
	require.Equal(t, start, chunk.TimeRange.Start)
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectQuery(regexp.QuoteMeta(queryGetCacheByKey)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cacheRowColumns()))

	_, err = cache.GetByCacheKey(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheAdapter_GetOverlapping(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()
	cache := NewCacheAdapter(adapter)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(queryGetOverlappingCache)).
		WithArgs("base-1", start, end).
		WillReturnRows(sqlmock.NewRows(cacheRowColumns()).
			AddRow("", "base-1", "rep-1", start, start.Add(24*time.Hour), []byte(`[]`), start).
			AddRow("", "base-1", "rep-1", start.Add(24*time.Hour), end, []byte(`[]`), start))

	chunks, err := cache.GetOverlapping(context.Background(), "base-1", v1.TimeRange{Start: start, End: end})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.True(t, chunks[0].TimeRange.Start.Before(chunks[1].TimeRange.Start))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheAdapter_PutAndClear(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()
	cache := NewCacheAdapter(adapter)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	chunk := &storage.CacheChunk{
		CacheKey:  "abc123",
		ReportID:  "rep-1",
		TimeRange: v1.TimeRange{Start: start, End: start.Add(time.Hour)},
		Data:      []byte(`[]`),
		CreatedAt: start,
	}

	mock.ExpectExec(regexp.QuoteMeta(queryUpsertFullCache)).
		WithArgs(chunk.CacheKey, chunk.ReportID, chunk.TimeRange.Start, chunk.TimeRange.End, chunk.Data, chunk.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cache.PutFull(context.Background(), chunk))

	mock.ExpectExec(regexp.QuoteMeta(queryDeleteOverlappingCache)).
		WithArgs("base-1", start, start.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, cache.DeleteOverlapping(context.Background(), "base-1",
		v1.TimeRange{Start: start, End: start.Add(time.Hour)}))

	require.NoError(t, mock.ExpectationsWereMet())
}
