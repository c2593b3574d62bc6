package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// MetricAdapter implements storage.MetricStore over dynamically named,
// lazily created metric tables. One table per collection, or per partition
// when the aggregation source is partitioned.
type MetricAdapter struct {
	*Adapter
}

// NewMetricAdapter returns the metric store view of the shared adapter.
func NewMetricAdapter(a *Adapter) *MetricAdapter {
	return &MetricAdapter{Adapter: a}
}

func (a *MetricAdapter) ensureTable(ctx context.Context, table string) error {
	return a.registry.ensure(ctx, a.db, table, fmt.Sprintf(ddlMetricTable, table))
}

// UpsertDeltas applies accumulating deltas as upsert-increments in one
// transaction. Deltas must be coalesced per key first; two same-key rows in
// one statement batch would still be two separate upserts and that is fine,
// but coalescing keeps the batch small.
func (a *MetricAdapter) UpsertDeltas(ctx context.Context, table string, deltas []metrics.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := a.ensureTable(ctx, table); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metric upsert: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(queryUpsertDelta, table, table))
	if err != nil {
		return fmt.Errorf("metric upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range deltas {
		if !d.Key.AggregationType.Accumulates() {
			return fmt.Errorf("metric upsert: non-accumulating delta %s in upsert batch", d.Key.AggregationType)
		}
		if _, err := stmt.ExecContext(ctx,
			d.Key.SourceID,
			d.Key.EventType,
			d.Key.Timestamp,
			string(d.Key.Granularity),
			d.Key.AttributionType,
			d.Key.AttributionValue,
			string(d.Key.AggregationType),
			d.Key.PayloadField,
			d.Key.PayloadCategory,
			d.Key.CompoundCategoryKey,
			d.Key.LeafKey,
			d.Increment,
		); err != nil {
			return fmt.Errorf("metric upsert: exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metric upsert: commit: %w", err)
	}

	slog.Debug("[Postgres] Upserted metric deltas", "table", table, "count", len(deltas))
	return nil
}

// InsertBooleanDeltas appends boolean facts unconditionally. Boolean rows
// keep the event's exact timestamp; there is no merge path for them.
func (a *MetricAdapter) InsertBooleanDeltas(ctx context.Context, table string, deltas []metrics.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := a.ensureTable(ctx, table); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("boolean insert: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(queryInsertBooleanDelta, table))
	if err != nil {
		return fmt.Errorf("boolean insert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range deltas {
		if d.Key.AggregationType != metrics.AggBoolean {
			return fmt.Errorf("boolean insert: delta %s in boolean batch", d.Key.AggregationType)
		}
		if _, err := stmt.ExecContext(ctx,
			d.Key.SourceID,
			d.Key.EventType,
			d.Key.Timestamp,
			string(d.Key.Granularity),
			d.Key.AttributionType,
			d.Key.AttributionValue,
			d.Key.PayloadField,
			d.Increment,
		); err != nil {
			return fmt.Errorf("boolean insert: exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("boolean insert: commit: %w", err)
	}

	return nil
}

// whereClause translates an AggregateFilter into SQL. Conditions for empty
// filter fields are simply omitted.
func whereClause(filter storage.AggregateFilter, extra ...string) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.TimeRange.Start.IsZero() {
		conds = append(conds, "bucket_time >= "+arg(filter.TimeRange.Start))
	}
	if !filter.TimeRange.End.IsZero() {
		conds = append(conds, "bucket_time <= "+arg(filter.TimeRange.End))
	}
	if filter.AttributionType != "" {
		conds = append(conds, "attribution_type = "+arg(filter.AttributionType))
		conds = append(conds, "attribution_value = "+arg(filter.AttributionValue))
	}
	if len(filter.SourceIDs) > 0 {
		conds = append(conds, "source_id = ANY("+arg(pq.Array(filter.SourceIDs))+")")
	}
	if len(filter.EventTypes) > 0 {
		conds = append(conds, "event_type = ANY("+arg(pq.Array(filter.EventTypes))+")")
	}
	if filter.AggregationType != "" {
		conds = append(conds, "aggregation_type = "+arg(string(filter.AggregationType)))
	}
	if filter.PayloadField != "" {
		conds = append(conds, "payload_field = "+arg(filter.PayloadField))
	}
	if filter.CompoundCategoryKey != "" {
		conds = append(conds, "compound_category_key = "+arg(filter.CompoundCategoryKey))
	}
	if len(filter.Granularities) > 0 {
		grans := make([]string, len(filter.Granularities))
		for i, g := range filter.Granularities {
			grans[i] = string(g)
		}
		conds = append(conds, "granularity = ANY("+arg(pq.Array(grans))+")")
	}
	conds = append(conds, extra...)

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// QueryAggregates reads accumulator rows at storage resolution. Bucketing
// to the query granularity and cross-source merging happen upstream; the
// adapter only filters and orders.
func (a *MetricAdapter) QueryAggregates(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.AggregateRow, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	exists, err := a.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	where, args := whereClause(filter, "aggregation_type <> 'BOOLEAN'")
	if filter.AggregationType == "" && len(filter.MetricFields) > 0 {
		// Dataset reads keep COUNT plus the opted-in payload fields.
		args = append(args, pq.Array(filter.MetricFields))
		where += fmt.Sprintf(" AND (aggregation_type = 'COUNT' OR payload_field = ANY($%d))", len(args))
	}

	query := fmt.Sprintf(`
		SELECT bucket_time, granularity, aggregation_type, event_type,
		       payload_field, payload_category, compound_category_key, value
		FROM %s
		%s
		ORDER BY bucket_time ASC`, table, where)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query aggregates %s: %w", table, err)
	}
	defer rows.Close()

	var results []storage.AggregateRow
	for rows.Next() {
		var row storage.AggregateRow
		var gran, aggType, valueStr string
		if err := rows.Scan(
			&row.Timestamp,
			&gran,
			&aggType,
			&row.EventType,
			&row.PayloadField,
			&row.PayloadCategory,
			&row.CompoundCategoryKey,
			&valueStr,
		); err != nil {
			return nil, fmt.Errorf("query aggregates %s: scan row: %w", table, err)
		}
		value, err := decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("query aggregates %s: parse value %q: %w", table, valueStr, err)
		}
		row.Granularity = metrics.Granularity(gran)
		row.AggregationType = metrics.AggregationType(aggType)
		row.Value = value
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query aggregates %s: iterate rows: %w", table, err)
	}
	return results, nil
}

// QueryBooleans reads append-only boolean facts at per-event resolution,
// ordered by their original timestamps.
func (a *MetricAdapter) QueryBooleans(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.BooleanRow, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	exists, err := a.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	boolFilter := filter
	boolFilter.AggregationType = metrics.AggBoolean
	where, args := whereClause(boolFilter)

	query := fmt.Sprintf(`
		SELECT bucket_time, payload_field, value <> 0
		FROM %s
		%s
		ORDER BY bucket_time ASC, id ASC`, table, where)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query booleans %s: %w", table, err)
	}
	defer rows.Close()

	var results []storage.BooleanRow
	for rows.Next() {
		var row storage.BooleanRow
		if err := rows.Scan(&row.Timestamp, &row.PayloadField, &row.Value); err != nil {
			return nil, fmt.Errorf("query booleans %s: scan row: %w", table, err)
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query booleans %s: iterate rows: %w", table, err)
	}
	return results, nil
}

// QueryLeaves reads LEAF_SUM rows for flat-group hierarchies: the decoded
// categorical tuple, the summed value and the latest contributing bucket.
func (a *MetricAdapter) QueryLeaves(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.LeafRow, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	exists, err := a.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	leafFilter := filter
	leafFilter.AggregationType = metrics.AggLeafSum
	where, args := whereClause(leafFilter)

	// Same tuple may recur across buckets; collapse here, keep the most
	// recent contributing bucket for hierarchy timestamps.
	query := fmt.Sprintf(`
		SELECT leaf_key, SUM(value), MAX(bucket_time)
		FROM %s
		%s
		GROUP BY leaf_key`, table, where)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leaves %s: %w", table, err)
	}
	defer rows.Close()

	var results []storage.LeafRow
	for rows.Next() {
		var leafKey, valueStr string
		var ts time.Time
		if err := rows.Scan(&leafKey, &valueStr, &ts); err != nil {
			return nil, fmt.Errorf("query leaves %s: scan row: %w", table, err)
		}
		value, err := decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("query leaves %s: parse value %q: %w", table, valueStr, err)
		}
		group := make(map[string]string)
		if err := unmarshalInto([]byte(leafKey), &group); err != nil {
			return nil, fmt.Errorf("query leaves %s: leaf key %q: %w", table, leafKey, err)
		}
		results = append(results, storage.LeafRow{Group: group, Value: value, Timestamp: ts})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query leaves %s: iterate rows: %w", table, err)
	}
	return results, nil
}

// ListTables returns existing storage-unit names starting with prefix.
// Used to resolve which partitions of a collection actually materialized.
func (a *MetricAdapter) ListTables(ctx context.Context, prefix string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, queryListTables, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list tables %s: %w", prefix, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables %s: scan row: %w", prefix, err)
		}
		tables = append(tables, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables %s: iterate rows: %w", prefix, err)
	}
	return tables, nil
}

// DeleteAggregatesInRange clears every row bucketed inside the inclusive
// range. Reprocessing resets unpartitioned targets this way; rows outside
// the range survive.
func (a *MetricAdapter) DeleteAggregatesInRange(ctx context.Context, table string, timeRange v1.TimeRange) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if err := a.ensureTable(ctx, table); err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, fmt.Sprintf(queryDeleteAggregatesInRange, table),
		timeRange.Start, timeRange.End)
	if err != nil {
		return fmt.Errorf("delete aggregates %s: %w", table, err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		slog.Info("[Postgres] Cleared metric rows for rebuild",
			"table", table,
			"rows", deleted)
	}
	return nil
}

// DropTable removes one partition table, used by retention and by
// reprocessing when the target is partitioned.
func (a *MetricAdapter) DropTable(ctx context.Context, table string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx, fmt.Sprintf(queryDropTable, table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	a.registry.forget(table)
	slog.Info("[Postgres] Dropped metric table", "table", table)
	return nil
}
