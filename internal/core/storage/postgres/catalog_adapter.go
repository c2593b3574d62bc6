package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// CatalogAdapter implements storage.CatalogStore. Creation is
// insert-if-absent keyed by natural name: a concurrent duplicate create
// loses the insert race and reads back the winner's row.
type CatalogAdapter struct {
	*Adapter
}

// NewCatalogAdapter returns the catalog store view of the shared adapter.
func NewCatalogAdapter(a *Adapter) *CatalogAdapter {
	return &CatalogAdapter{Adapter: a}
}

// --- event sources ---

func (a *CatalogAdapter) FindOrCreateEventSource(ctx context.Context, def *v1.EventSourceDefinition) (*v1.EventSourceDefinition, error) {
	var retentionJSON []byte
	var err error
	if def.Retention != nil {
		retentionJSON, err = nullableJSON(def.Retention)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	result, err := a.db.ExecContext(ctx, queryInsertEventSource, id, def.Name, def.Description, retentionJSON)
	if err != nil {
		return nil, fmt.Errorf("create event source %q: %w", def.Name, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create event source %q: %w", def.Name, err)
	}
	if inserted > 0 {
		slog.Info("[Postgres] Created event source", "name", def.Name, "id", id)
	}

	// Read back either way: on conflict the existing row wins unchanged.
	return a.GetEventSourceByName(ctx, def.Name)
}

func (a *CatalogAdapter) GetEventSourceByID(ctx context.Context, id string) (*v1.EventSourceDefinition, error) {
	return scanEventSource(a.db.QueryRowContext(ctx, queryGetEventSourceByID, id))
}

func (a *CatalogAdapter) GetEventSourceByName(ctx context.Context, name string) (*v1.EventSourceDefinition, error) {
	return scanEventSource(a.db.QueryRowContext(ctx, queryGetEventSourceByName, name))
}

func (a *CatalogAdapter) ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error) {
	rows, err := a.db.QueryContext(ctx, queryListEventSources)
	if err != nil {
		return nil, fmt.Errorf("list event sources: %w", err)
	}
	defer rows.Close()

	var sources []*v1.EventSourceDefinition
	for rows.Next() {
		src, err := scanEventSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event sources: iterate rows: %w", err)
	}
	return sources, nil
}

func scanEventSource(row scanner) (*v1.EventSourceDefinition, error) {
	var src v1.EventSourceDefinition
	var retentionJSON []byte
	err := row.Scan(&src.ID, &src.Name, &src.Description, &retentionJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event source: %w", err)
	}
	if len(retentionJSON) > 0 {
		src.Retention = &v1.RetentionPolicy{}
		if err := unmarshalInto(retentionJSON, src.Retention); err != nil {
			return nil, err
		}
	}
	return &src, nil
}

// --- event types ---

func (a *CatalogAdapter) FindOrCreateEventType(ctx context.Context, et *v1.EventType) (*v1.EventType, error) {
	schemaJSON, err := nullableJSON(et.Schema)
	if err != nil {
		return nil, err
	}
	if len(et.Schema) == 0 {
		schemaJSON = nil
	}

	id := uuid.NewString()
	result, err := a.db.ExecContext(ctx, queryInsertEventType, id, et.SourceID, et.Name, et.Description, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("create event type %q: %w", et.Name, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create event type %q: %w", et.Name, err)
	}
	if inserted > 0 {
		slog.Info("[Postgres] Created event type", "source_id", et.SourceID, "name", et.Name, "id", id)
	}

	return a.GetEventTypeByName(ctx, et.SourceID, et.Name)
}

func (a *CatalogAdapter) GetEventTypeByID(ctx context.Context, id string) (*v1.EventType, error) {
	return scanEventType(a.db.QueryRowContext(ctx, queryGetEventTypeByID, id))
}

func (a *CatalogAdapter) GetEventTypeByName(ctx context.Context, sourceID, name string) (*v1.EventType, error) {
	return scanEventType(a.db.QueryRowContext(ctx, queryGetEventTypeByName, sourceID, name))
}

func (a *CatalogAdapter) ListEventTypes(ctx context.Context, sourceID string) ([]*v1.EventType, error) {
	rows, err := a.db.QueryContext(ctx, queryListEventTypes, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list event types: %w", err)
	}
	defer rows.Close()

	var types []*v1.EventType
	for rows.Next() {
		et, err := scanEventType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, et)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event types: iterate rows: %w", err)
	}
	return types, nil
}

func scanEventType(row scanner) (*v1.EventType, error) {
	var et v1.EventType
	var schemaJSON []byte
	err := row.Scan(&et.ID, &et.SourceID, &et.Name, &et.Description, &schemaJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event type: %w", err)
	}
	if err := unmarshalInto(schemaJSON, &et.Schema); err != nil {
		return nil, err
	}
	return &et, nil
}

// --- reports ---

func (a *CatalogAdapter) FindOrCreateReport(ctx context.Context, report *v1.Report) (*v1.Report, error) {
	id := uuid.NewString()
	result, err := a.db.ExecContext(ctx, queryInsertReport, id, report.Name, report.Description, report.Active)
	if err != nil {
		return nil, fmt.Errorf("create report %q: %w", report.Name, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create report %q: %w", report.Name, err)
	}
	if inserted > 0 {
		slog.Info("[Postgres] Created report", "name", report.Name, "id", id)
	}

	return a.getReportByName(ctx, report.Name)
}

func (a *CatalogAdapter) GetReportByID(ctx context.Context, id string) (*v1.Report, error) {
	return scanReport(a.db.QueryRowContext(ctx, queryGetReportByID, id))
}

func (a *CatalogAdapter) getReportByName(ctx context.Context, name string) (*v1.Report, error) {
	return scanReport(a.db.QueryRowContext(ctx, queryGetReportByName, name))
}

// UpdateReport patches the mutable report fields. Nil pointers leave the
// stored value alone.
func (a *CatalogAdapter) UpdateReport(ctx context.Context, id string, active *bool, description *string) (*v1.Report, error) {
	report, err := scanReport(a.db.QueryRowContext(ctx, queryUpdateReport, id, active, description))
	if err != nil {
		return nil, err
	}
	slog.Info("[Postgres] Updated report", "id", id, "active", report.Active)
	return report, nil
}

func (a *CatalogAdapter) ListReports(ctx context.Context) ([]*v1.Report, error) {
	rows, err := a.db.QueryContext(ctx, queryListReports)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*v1.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reports: iterate rows: %w", err)
	}
	return reports, nil
}

func scanReport(row scanner) (*v1.Report, error) {
	var r v1.Report
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Active)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	return &r, nil
}

// --- aggregation sources ---

func (a *CatalogAdapter) FindOrCreateAggregationSource(ctx context.Context, src *v1.AggregationSource) (*v1.AggregationSource, error) {
	filterJSON, err := nullableJSON(src.Filter)
	if err != nil {
		return nil, err
	}
	var partitionJSON, retentionJSON []byte
	if src.Partition != nil {
		if partitionJSON, err = nullableJSON(src.Partition); err != nil {
			return nil, err
		}
	}
	if src.Retention != nil {
		if retentionJSON, err = nullableJSON(src.Retention); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	result, err := a.db.ExecContext(ctx, queryInsertAggregationSource,
		id, src.ReportID, src.TargetCollection, src.Granularity,
		filterJSON, partitionJSON, retentionJSON)
	if err != nil {
		return nil, fmt.Errorf("create aggregation source %q: %w", src.TargetCollection, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create aggregation source %q: %w", src.TargetCollection, err)
	}
	if inserted > 0 {
		slog.Info("[Postgres] Created aggregation source",
			"report_id", src.ReportID,
			"target_collection", src.TargetCollection,
			"granularity", src.Granularity,
			"id", id)
	}

	return scanAggregationSource(a.db.QueryRowContext(ctx, queryGetAggregationSourceByTarget, src.ReportID, src.TargetCollection))
}

func (a *CatalogAdapter) ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error) {
	return a.queryAggregationSources(ctx, queryListAggregationSources, reportID)
}

func (a *CatalogAdapter) ListActiveAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error) {
	return a.queryAggregationSources(ctx, queryListActiveAggregationSources)
}

func (a *CatalogAdapter) ListRetainedAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error) {
	return a.queryAggregationSources(ctx, queryListRetainedAggregationSources)
}

func (a *CatalogAdapter) queryAggregationSources(ctx context.Context, query string, args ...any) ([]*v1.AggregationSource, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list aggregation sources: %w", err)
	}
	defer rows.Close()

	var sources []*v1.AggregationSource
	for rows.Next() {
		src, err := scanAggregationSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list aggregation sources: iterate rows: %w", err)
	}
	return sources, nil
}

func (a *CatalogAdapter) RemoveAggregationSource(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, queryRemoveAggregationSource, id)
	if err != nil {
		return fmt.Errorf("remove aggregation source %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove aggregation source %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	slog.Info("[Postgres] Removed aggregation source", "id", id)
	return nil
}

func scanAggregationSource(row scanner) (*v1.AggregationSource, error) {
	var src v1.AggregationSource
	var filterJSON, partitionJSON, retentionJSON []byte
	err := row.Scan(&src.ID, &src.ReportID, &src.TargetCollection, &src.Granularity,
		&filterJSON, &partitionJSON, &retentionJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan aggregation source: %w", err)
	}
	if err := unmarshalInto(filterJSON, &src.Filter); err != nil {
		return nil, err
	}
	if len(partitionJSON) > 0 {
		src.Partition = &v1.PartitionConfig{}
		if err := unmarshalInto(partitionJSON, src.Partition); err != nil {
			return nil, err
		}
	}
	if len(retentionJSON) > 0 {
		src.Retention = &v1.RetentionPolicy{}
		if err := unmarshalInto(retentionJSON, src.Retention); err != nil {
			return nil, err
		}
	}
	return &src, nil
}
