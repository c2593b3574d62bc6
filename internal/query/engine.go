// Package query resolves report queries against the durable metric tables
// and the realtime buffer. All four query shapes share one fan-out: resolve
// the report's aggregation sources, enumerate the storage units each source's
// partitioning maps the requested range onto, and read them concurrently.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/hooks"
)

const defaultConcurrency = 8

// DefaultBufferWindow is how far back the realtime buffer is trusted.
// Realtime queries read the buffer for this trailing window and the durable
// tables for everything before it, so the two tiers never overlap.
const DefaultBufferWindow = 10 * time.Minute

// Catalog is the slice of the catalog store the engine needs.
type Catalog interface {
	GetReportByID(ctx context.Context, id string) (*v1.Report, error)
	ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error)
}

// Config tunes the engine.
type Config struct {
	// Concurrency bounds the storage-unit fan-out per query.
	Concurrency int
	// BufferWindow is the realtime buffer's trust window.
	BufferWindow time.Duration
}

func (c Config) normalized() Config {
	n := c
	if n.Concurrency <= 0 {
		n.Concurrency = defaultConcurrency
	}
	if n.BufferWindow <= 0 {
		n.BufferWindow = DefaultBufferWindow
	}
	return n
}

// Engine executes report queries. buffer, cache and registry may be nil:
// without a buffer the realtime variants fall back to durable-only reads,
// without a cache every query computes live.
type Engine struct {
	metrics storage.MetricStore
	catalog Catalog
	buffer  *buffer.Buffer
	cache   *Cache
	hooks   *hooks.Registry
	cfg     Config
}

func New(metricStore storage.MetricStore, catalog Catalog, buf *buffer.Buffer, cache *Cache, registry *hooks.Registry, cfg Config) *Engine {
	return &Engine{
		metrics: metricStore,
		catalog: catalog,
		buffer:  buf,
		cache:   cache,
		hooks:   registry,
		cfg:     cfg.normalized(),
	}
}

// resolveSources fails fast when the report does not exist; a report with no
// aggregation sources yields empty results, not an error.
func (e *Engine) resolveSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error) {
	if _, err := e.catalog.GetReportByID(ctx, reportID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("report %s: %w", reportID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve report %s: %w", reportID, err)
	}
	return e.catalog.ListAggregationSources(ctx, reportID)
}

// attributionFilter maps the query's optional attribution onto the storage
// filter. Absent means the synthetic total bucket.
func attributionFilter(attr *v1.Attribution) (string, string) {
	if attr == nil {
		return metrics.TotalAttribution, metrics.TotalAttribution
	}
	return attr.Type, attr.Value
}

// splitRealtime divides a requested range at the buffer-window boundary:
// the durable part ends where the buffer's trust window begins. Either part
// may be empty. Both sub-ranges are inclusive, so the cutoff instant itself
// belongs to the realtime side only; the durable side stops one millisecond
// short (the system's timestamp resolution).
func (e *Engine) splitRealtime(timeRange v1.TimeRange) (durable, realtime v1.TimeRange) {
	cutoff := time.Now().Add(-e.cfg.BufferWindow)
	if !timeRange.End.After(cutoff) {
		return timeRange, v1.TimeRange{}
	}
	if !timeRange.Start.Before(cutoff) {
		return v1.TimeRange{}, timeRange
	}
	durable = v1.TimeRange{Start: timeRange.Start, End: cutoff.Add(-time.Millisecond)}
	realtime = v1.TimeRange{Start: cutoff, End: timeRange.End}
	return durable, realtime
}

func emptyRange(r v1.TimeRange) bool {
	return r.Start.IsZero() && r.End.IsZero()
}
