// Package engine is the facade the transport layer talks to: catalog
// management, event recording, query delegation, reprocessing and engine
// stats behind one type. The facade owns the policy glue (KV-cached catalog
// lookups, the record-time buffer write, offloader registration); the
// heavy lifting lives in the packages it composes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/aggregator"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/hooks"
	"github.com/strata-analytics/strata/internal/lifecycle"
	"github.com/strata-analytics/strata/internal/query"
	"github.com/strata-analytics/strata/internal/queue"
	"github.com/strata-analytics/strata/internal/stats"
)

// Deps are the engine's collaborators. Catalog, Events, Metrics and Queue
// are required; the rest may be nil and the features they carry degrade
// (no realtime tier, no KV caching, no offloading, no stats).
type Deps struct {
	Catalog   storage.CatalogStore
	Events    storage.EventStore
	Metrics   storage.MetricStore
	Queue     *queue.ReliableQueue
	Buffer    *buffer.Buffer
	KV        storage.KVCache
	Hooks     *hooks.Registry
	Query     *query.Engine
	Worker    *aggregator.Aggregator
	Lifecycle *lifecycle.Scanner
	Redis     *redis.Client
}

// Config tunes facade behavior.
type Config struct {
	// BufferWindow bounds the record-time realtime write: an event older
	// than this skips the buffer, the durable tier will cover it before
	// anyone queries it as "realtime".
	BufferWindow time.Duration
}

func (c Config) normalized() Config {
	n := c
	if n.BufferWindow <= 0 {
		n.BufferWindow = query.DefaultBufferWindow
	}
	return n
}

// Engine is the facade.
type Engine struct {
	catalog   storage.CatalogStore
	events    storage.EventStore
	metrics   storage.MetricStore
	queue     *queue.ReliableQueue
	buffer    *buffer.Buffer
	kv        storage.KVCache
	hooks     *hooks.Registry
	query     *query.Engine
	worker    *aggregator.Aggregator
	lifecycle *lifecycle.Scanner
	redis     *redis.Client
	cfg       Config

	now func() time.Time

	recorded *prometheus.CounterVec
}

// New wires the facade. reg may be nil.
func New(deps Deps, cfg Config, reg prometheus.Registerer) *Engine {
	e := &Engine{
		catalog:   deps.Catalog,
		events:    deps.Events,
		metrics:   deps.Metrics,
		queue:     deps.Queue,
		buffer:    deps.Buffer,
		kv:        deps.KV,
		hooks:     deps.Hooks,
		query:     deps.Query,
		worker:    deps.Worker,
		lifecycle: deps.Lifecycle,
		redis:     deps.Redis,
		cfg:       cfg.normalized(),
		now:       time.Now,
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_events_recorded_total",
			Help: "Events accepted through the record path, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(e.recorded)
	}
	return e
}

// Hooks exposes the registry so collaborators can register extensions.
func (e *Engine) Hooks() *hooks.Registry {
	return e.hooks
}

// RegisterOffloader makes an offloader addressable from retention policies.
func (e *Engine) RegisterOffloader(name string, o lifecycle.Offloader) {
	if e.lifecycle != nil {
		e.lifecycle.RegisterOffloader(name, o)
	}
}

// ReprocessEventsForReport rebuilds one report's aggregates from the raw
// event logs over the range. The covered storage units and the realtime
// buffers of the report's targets are dropped first.
func (e *Engine) ReprocessEventsForReport(ctx context.Context, reportID string, timeRange v1.TimeRange) error {
	if e.worker == nil {
		return fmt.Errorf("engine: reprocessing requires a worker")
	}
	return e.worker.ReprocessReport(ctx, e.catalog, reportID, timeRange)
}

// GetEngineStats returns the most recent published health snapshot.
func (e *Engine) GetEngineStats(ctx context.Context) (*stats.Snapshot, error) {
	if e.redis == nil {
		return nil, stats.ErrNoSnapshot
	}
	return stats.GetStats(ctx, e.redis)
}

// Query delegation. The transport layer addresses every read through the
// facade; the shapes live in internal/query.

func (e *Engine) GetReport(ctx context.Context, q v1.Query) ([]v1.ReportPoint, error) {
	return e.query.GetReport(ctx, q)
}

func (e *Engine) GetReportRealtime(ctx context.Context, q v1.Query) ([]v1.ReportPoint, error) {
	return e.query.GetReportRealtime(ctx, q)
}

func (e *Engine) GetDataset(ctx context.Context, q v1.DatasetQuery) ([]v1.DatasetPoint, error) {
	return e.query.GetDataset(ctx, q)
}

func (e *Engine) GetDatasetRealtime(ctx context.Context, q v1.DatasetQuery) ([]v1.DatasetPoint, error) {
	return e.query.GetDatasetRealtime(ctx, q)
}

func (e *Engine) GetGroupsAggregation(ctx context.Context, q v1.GroupsQuery) ([]v1.DatasetPoint, error) {
	return e.query.GetGroupsAggregation(ctx, q)
}

func (e *Engine) GetGroupsAggregationRealtime(ctx context.Context, q v1.GroupsQuery) ([]v1.DatasetPoint, error) {
	return e.query.GetGroupsAggregationRealtime(ctx, q)
}

func (e *Engine) GetFlatGroupsAggregation(ctx context.Context, q v1.FlatGroupsQuery) ([]v1.FlatGroupRow, error) {
	return e.query.GetFlatGroupsAggregation(ctx, q)
}

func (e *Engine) GetFlatGroupsAggregationRealtime(ctx context.Context, q v1.FlatGroupsQuery) ([]v1.FlatGroupRow, error) {
	return e.query.GetFlatGroupsAggregationRealtime(ctx, q)
}
