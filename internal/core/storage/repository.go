package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert collides with an existing row that
// idempotent-upsert semantics say must be kept unchanged.
var ErrDuplicate = errors.New("row already exists")

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// EventStore reads and writes the raw event log. Each event source has its
// own log table; callers address it by the source's sanitized table name.
type EventStore interface {
	// SaveEvent inserts an event idempotently by uuid. On a uuid collision
	// the previously recorded event is returned along with ErrDuplicate.
	SaveEvent(ctx context.Context, table string, event *v1.Event) (*v1.Event, error)

	// GetEventByID resolves an event by its server-side id.
	GetEventByID(ctx context.Context, table string, id int64) (*v1.Event, error)

	// GetEventsByRange streams events in a time range, optionally restricted
	// to the named event type ids, ordered by id ascending. Used by
	// reprocessing, which re-derives metrics straight from the log.
	GetEventsByRange(ctx context.Context, table string, timeRange v1.TimeRange, eventTypeIDs []string, limit int, afterID int64) ([]*v1.Event, error)

	// DeleteEventsBefore removes events older than the cutoff. Retention for
	// non-partitioned event logs is a plain range delete.
	DeleteEventsBefore(ctx context.Context, table string, cutoff time.Time) (int64, error)
}

// AggregateFilter narrows a metric read. Zero values mean "no constraint";
// an empty attribution pair means "the synthetic total bucket".
type AggregateFilter struct {
	TimeRange        v1.TimeRange
	AttributionType  string
	AttributionValue string
	SourceIDs        []string
	EventTypes       []string

	// AggregationType restricts single-metric reads. Empty matches every
	// accumulating type (dataset reads).
	AggregationType metrics.AggregationType
	// PayloadField restricts SUM/CATEGORY/COMPOUND_SUM/LEAF_SUM reads.
	PayloadField string
	// CompoundCategoryKey restricts COMPOUND_SUM reads to one group-by field.
	CompoundCategoryKey string
	// MetricFields, when non-empty, keeps COUNT rows plus SUM/COMPOUND_SUM
	// rows whose payload field is listed (dataset metric opt-in).
	MetricFields []string
	// Granularities restricts rows to leaves stored at the listed
	// granularities (flat-group reads across granularity pseudo-levels).
	Granularities []metrics.Granularity
}

// AggregateRow is one accumulator row as read back from a partition table,
// still at storage resolution; query-granularity bucketing happens upstream.
type AggregateRow struct {
	Timestamp           time.Time
	Granularity         metrics.Granularity
	AggregationType     metrics.AggregationType
	EventType           string
	PayloadField        string
	PayloadCategory     string
	CompoundCategoryKey string
	Value               decimal.Decimal
}

// BooleanRow is one append-only boolean fact with per-event resolution.
type BooleanRow struct {
	Timestamp    time.Time
	PayloadField string
	Value        bool
}

// LeafRow is one LEAF_SUM aggregate: the categorical tuple, the summed
// value and the most recent contributing storage timestamp.
type LeafRow struct {
	Group     map[string]string
	Value     decimal.Decimal
	Timestamp time.Time
}

// MetricStore writes and reads aggregate rows in dynamically named,
// time-partitioned tables. Reads against a table that does not exist yet
// return empty results, not errors: partitions materialize on first write.
type MetricStore interface {
	// UpsertDeltas applies accumulating deltas as find-or-create-then-
	// increment upserts, batched in one transaction. Deltas must already be
	// coalesced per key.
	UpsertDeltas(ctx context.Context, table string, deltas []metrics.Delta) error

	// InsertBooleanDeltas appends boolean facts unconditionally. They are
	// never merged; per-event resolution is the point.
	InsertBooleanDeltas(ctx context.Context, table string, deltas []metrics.Delta) error

	QueryAggregates(ctx context.Context, table string, filter AggregateFilter) ([]AggregateRow, error)
	QueryBooleans(ctx context.Context, table string, filter AggregateFilter) ([]BooleanRow, error)
	QueryLeaves(ctx context.Context, table string, filter AggregateFilter) ([]LeafRow, error)

	// DeleteAggregatesInRange removes every row whose bucket time falls
	// inside the inclusive range, leaving the rest of the table intact.
	// Reprocessing uses it to reset unpartitioned targets.
	DeleteAggregatesInRange(ctx context.Context, table string, timeRange v1.TimeRange) error

	// ListTables returns existing storage-unit names starting with prefix.
	ListTables(ctx context.Context, prefix string) ([]string, error)

	// DropTable removes one partition table. Used by retention only.
	DropTable(ctx context.Context, table string) error
}

// CatalogStore persists the aggregation catalog: sources, event types,
// reports and aggregation sources. Creation is insert-if-absent; rows are
// never overwritten on conflict.
type CatalogStore interface {
	FindOrCreateEventSource(ctx context.Context, def *v1.EventSourceDefinition) (*v1.EventSourceDefinition, error)
	GetEventSourceByID(ctx context.Context, id string) (*v1.EventSourceDefinition, error)
	GetEventSourceByName(ctx context.Context, name string) (*v1.EventSourceDefinition, error)
	ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error)

	FindOrCreateEventType(ctx context.Context, et *v1.EventType) (*v1.EventType, error)
	GetEventTypeByID(ctx context.Context, id string) (*v1.EventType, error)
	GetEventTypeByName(ctx context.Context, sourceID, name string) (*v1.EventType, error)
	ListEventTypes(ctx context.Context, sourceID string) ([]*v1.EventType, error)

	FindOrCreateReport(ctx context.Context, report *v1.Report) (*v1.Report, error)
	GetReportByID(ctx context.Context, id string) (*v1.Report, error)
	UpdateReport(ctx context.Context, id string, active *bool, description *string) (*v1.Report, error)
	ListReports(ctx context.Context) ([]*v1.Report, error)

	FindOrCreateAggregationSource(ctx context.Context, src *v1.AggregationSource) (*v1.AggregationSource, error)
	ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error)
	// ListActiveAggregationSources returns every aggregation source whose
	// report is active, the set the durable pipeline fans out over.
	ListActiveAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error)
	// ListRetainedAggregationSources returns partitioned sources that carry
	// a retention policy, for the lifecycle scanner.
	ListRetainedAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error)
	RemoveAggregationSource(ctx context.Context, id string) error
}

// CacheChunk is one memoized query result. Full-mode entries carry a
// CacheKey; partial-mode entries carry only the BaseKey and must stay
// time-disjoint per base key.
type CacheChunk struct {
	CacheKey  string
	BaseKey   string
	ReportID  string
	TimeRange v1.TimeRange
	Data      []byte
	CreatedAt time.Time
}

// CacheStore persists result-cache chunks.
type CacheStore interface {
	GetByCacheKey(ctx context.Context, cacheKey string) (*CacheChunk, error)
	// GetOverlapping returns partial-mode chunks for baseKey whose range
	// overlaps the requested one.
	GetOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) ([]*CacheChunk, error)
	PutFull(ctx context.Context, chunk *CacheChunk) error
	PutPartial(ctx context.Context, chunk *CacheChunk) error
	// DeleteOverlapping clears partial-mode chunks before a rebuild.
	DeleteOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) error
	CountByBaseKey(ctx context.Context, baseKey string) (int64, error)
}

// KVCache is a namespaced, TTL-bound lookup cache for catalog entities.
// It is an optimization tier only: a miss or an error must degrade to the
// underlying store, never fail the caller.
type KVCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}
