package engine

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// activeSourcesKey is the KV entry holding the active aggregation-source
// list, the hottest catalog read: the record path consults it per event.
const activeSourcesKey = "aggregation_sources:active"

// CreateEventSource registers an event source, returning the existing one
// on a name collision.
func (e *Engine) CreateEventSource(ctx context.Context, def *v1.EventSourceDefinition) (*v1.EventSourceDefinition, error) {
	if def.Name == "" {
		return nil, &ValidationError{Reason: "event source name is required"}
	}
	return e.catalog.FindOrCreateEventSource(ctx, def)
}

// GetEventSource resolves a source by name.
func (e *Engine) GetEventSource(ctx context.Context, name string) (*v1.EventSourceDefinition, error) {
	return e.catalog.GetEventSourceByName(ctx, name)
}

// ListEventSources lists every registered source.
func (e *Engine) ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error) {
	return e.catalog.ListEventSources(ctx)
}

// DefineEventType registers an event type under its source. Events of an
// undefined type are rejected at record time, so types come first.
func (e *Engine) DefineEventType(ctx context.Context, et *v1.EventType) (*v1.EventType, error) {
	if et.Name == "" {
		return nil, &ValidationError{Reason: "event type name is required"}
	}
	if et.SourceID == "" {
		return nil, &ValidationError{Reason: "event type source_id is required"}
	}
	if _, err := e.catalog.GetEventSourceByID(ctx, et.SourceID); err != nil {
		return nil, fmt.Errorf("define event type %q: %w", et.Name, err)
	}
	for field, kind := range et.Schema {
		switch kind {
		case "number", "string", "boolean":
		default:
			return nil, &ValidationError{Reason: fmt.Sprintf(
				"schema field %q has unknown kind %q (must be number, string or boolean)", field, kind)}
		}
	}
	return e.catalog.FindOrCreateEventType(ctx, et)
}

// ListEventTypes lists one source's event types.
func (e *Engine) ListEventTypes(ctx context.Context, sourceID string) ([]*v1.EventType, error) {
	return e.catalog.ListEventTypes(ctx, sourceID)
}

// CreateReport registers a report, returning the existing one on a name
// collision.
func (e *Engine) CreateReport(ctx context.Context, report *v1.Report) (*v1.Report, error) {
	if report.Name == "" {
		return nil, &ValidationError{Reason: "report name is required"}
	}
	r, err := e.catalog.FindOrCreateReport(ctx, report)
	if err != nil {
		return nil, err
	}
	e.invalidateActiveSources(ctx)
	return r, nil
}

// UpdateReport mutates a report's active flag and description. Nil leaves
// a field unchanged.
func (e *Engine) UpdateReport(ctx context.Context, id string, active *bool, description *string) (*v1.Report, error) {
	r, err := e.catalog.UpdateReport(ctx, id, active, description)
	if err != nil {
		return nil, err
	}
	e.invalidateActiveSources(ctx)
	return r, nil
}

// ListReports lists every report.
func (e *Engine) ListReports(ctx context.Context) ([]*v1.Report, error) {
	return e.catalog.ListReports(ctx)
}

// CreateAggregationSource binds a report to a filtered event subset and a
// storage layout, returning the existing binding on a (report, target)
// collision.
func (e *Engine) CreateAggregationSource(ctx context.Context, src *v1.AggregationSource) (*v1.AggregationSource, error) {
	if src.TargetCollection == "" {
		return nil, &ValidationError{Reason: "aggregation source target_collection is required"}
	}
	if _, err := metrics.ParseGranularity(src.Granularity); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if _, err := e.catalog.GetReportByID(ctx, src.ReportID); err != nil {
		return nil, fmt.Errorf("create aggregation source %q: %w", src.TargetCollection, err)
	}
	if err := e.resolveFilterSources(ctx, src); err != nil {
		return nil, fmt.Errorf("create aggregation source %q: %w", src.TargetCollection, err)
	}
	created, err := e.catalog.FindOrCreateAggregationSource(ctx, src)
	if err != nil {
		return nil, err
	}
	e.invalidateActiveSources(ctx)
	return created, nil
}

// ListAggregationSources lists one report's aggregation sources.
func (e *Engine) ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error) {
	return e.catalog.ListAggregationSources(ctx, reportID)
}

// RemoveAggregationSource unbinds an aggregation source and clears its
// realtime buffer. Durable tables are left for the lifecycle scanner.
func (e *Engine) RemoveAggregationSource(ctx context.Context, id string) error {
	src, err := e.findAggregationSource(ctx, id)
	if err != nil {
		return err
	}
	if err := e.catalog.RemoveAggregationSource(ctx, id); err != nil {
		return err
	}
	e.invalidateActiveSources(ctx)
	if e.buffer != nil {
		if err := e.buffer.RemoveTarget(ctx, src.TargetCollection); err != nil {
			slog.Warn("[Engine] Buffer clear failed on source removal",
				"target", src.TargetCollection, "error", err)
		}
	}
	return nil
}

func (e *Engine) findAggregationSource(ctx context.Context, id string) (*v1.AggregationSource, error) {
	reports, err := e.catalog.ListReports(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		sources, err := e.catalog.ListAggregationSources(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range sources {
			if s.ID == id {
				return s, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

// activeAggregationSources serves the record path: KV cache first, catalog
// on miss, cache errors degrade to the catalog.
func (e *Engine) activeAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error) {
	if e.kv != nil {
		var cached []*v1.AggregationSource
		ok, err := e.kv.Get(ctx, activeSourcesKey, &cached)
		if err != nil {
			slog.Warn("[Engine] Catalog cache read failed", "error", err)
		} else if ok {
			return cached, nil
		}
	}

	sources, err := e.catalog.ListActiveAggregationSources(ctx)
	if err != nil {
		return nil, err
	}
	if e.kv != nil {
		if err := e.kv.Set(ctx, activeSourcesKey, sources); err != nil {
			slog.Warn("[Engine] Catalog cache write failed", "error", err)
		}
	}
	return sources, nil
}

// invalidateActiveSources drops the cached active list after any catalog
// mutation that could change it.
func (e *Engine) invalidateActiveSources(ctx context.Context) {
	if e.kv == nil {
		return
	}
	if err := e.kv.Delete(ctx, activeSourcesKey); err != nil {
		slog.Warn("[Engine] Catalog cache invalidation failed", "error", err)
	}
}
