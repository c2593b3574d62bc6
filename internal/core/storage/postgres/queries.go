package postgres

// SQL for event-log, metric-partition, catalog and result-cache operations.
// Statements against dynamically named tables are fmt templates taking the
// table name; the name is validated by validIdent before interpolation.

const (
	// ddlEventTable creates one per-source event log. uuid carries the client
	// idempotency key; id is the server-side ordering handle the queue carries.
	ddlEventTable = `
		CREATE TABLE IF NOT EXISTS %[1]s (
			id            BIGSERIAL PRIMARY KEY,
			uuid          TEXT NOT NULL UNIQUE,
			source_id     TEXT NOT NULL,
			event_type_id TEXT NOT NULL,
			occurred_at   TIMESTAMPTZ NOT NULL,
			payload       JSONB NOT NULL,
			attributions  JSONB
		);
		CREATE INDEX IF NOT EXISTS %[1]s_occurred_at_idx ON %[1]s (occurred_at);
	`

	// querySaveEvent inserts an event idempotently by uuid.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	querySaveEvent = `
		INSERT INTO %s (uuid, source_id, event_type_id, occurred_at, payload, attributions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uuid) DO NOTHING
		RETURNING id
	`

	queryGetEventByUUID = `
		SELECT id, uuid, source_id, event_type_id, occurred_at, payload, attributions
		FROM %s
		WHERE uuid = $1
	`

	queryGetEventByID = `
		SELECT id, uuid, source_id, event_type_id, occurred_at, payload, attributions
		FROM %s
		WHERE id = $1
	`

	// queryGetEventsByRange pages through an event log in id order. Used by
	// reprocessing, which re-derives aggregates straight from the log.
	queryGetEventsByRange = `
		SELECT id, uuid, source_id, event_type_id, occurred_at, payload, attributions
		FROM %s
		WHERE occurred_at >= $1
		  AND occurred_at <= $2
		  AND id > $3
		ORDER BY id ASC
		LIMIT $4
	`

	queryDeleteEventsBefore = `DELETE FROM %s WHERE occurred_at < $1`

	// ddlMetricTable creates one metric storage unit (a collection or one of
	// its partitions). Key columns use empty-string sentinels instead of NULL
	// so the unique index treats absent dimensions as equal. BOOLEAN rows are
	// append-only facts and are excluded from the uniqueness constraint.
	ddlMetricTable = `
		CREATE TABLE IF NOT EXISTS %[1]s (
			id                    BIGSERIAL PRIMARY KEY,
			source_id             TEXT NOT NULL,
			event_type            TEXT NOT NULL,
			bucket_time           TIMESTAMPTZ NOT NULL,
			granularity           TEXT NOT NULL,
			attribution_type      TEXT NOT NULL DEFAULT '',
			attribution_value     TEXT NOT NULL DEFAULT '',
			aggregation_type      TEXT NOT NULL,
			payload_field         TEXT NOT NULL DEFAULT '',
			payload_category      TEXT NOT NULL DEFAULT '',
			compound_category_key TEXT NOT NULL DEFAULT '',
			leaf_key              TEXT NOT NULL DEFAULT '',
			value                 NUMERIC NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_acc_key_idx ON %[1]s (
			source_id, event_type, bucket_time, granularity,
			attribution_type, attribution_value, aggregation_type,
			payload_field, payload_category, compound_category_key, leaf_key
		) WHERE aggregation_type <> 'BOOLEAN';
		CREATE INDEX IF NOT EXISTS %[1]s_bucket_time_idx ON %[1]s (bucket_time);
	`

	// queryUpsertDelta is the find-or-create-then-increment write for every
	// accumulating aggregation type.
	queryUpsertDelta = `
		INSERT INTO %s (
			source_id, event_type, bucket_time, granularity,
			attribution_type, attribution_value, aggregation_type,
			payload_field, payload_category, compound_category_key, leaf_key, value
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (
			source_id, event_type, bucket_time, granularity,
			attribution_type, attribution_value, aggregation_type,
			payload_field, payload_category, compound_category_key, leaf_key
		) WHERE aggregation_type <> 'BOOLEAN'
		DO UPDATE SET value = %s.value + EXCLUDED.value
	`

	// queryInsertBooleanDelta appends a boolean fact. No conflict target:
	// boolean rows keep per-event resolution and are never merged.
	queryInsertBooleanDelta = `
		INSERT INTO %s (
			source_id, event_type, bucket_time, granularity,
			attribution_type, attribution_value, aggregation_type,
			payload_field, payload_category, compound_category_key, leaf_key, value
		) VALUES ($1, $2, $3, $4, $5, $6, 'BOOLEAN', $7, '', '', '', $8)
	`

	// queryTableExists resolves a name to a regclass. NULL means the storage
	// unit was never written, which reads treat as an empty result.
	queryTableExists = `SELECT to_regclass($1) IS NOT NULL`

	queryListTables = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_name LIKE $1
		ORDER BY table_name ASC
	`

	queryDropTable = `DROP TABLE IF EXISTS %s`

	queryDeleteAggregatesInRange = `DELETE FROM %s WHERE bucket_time >= $1 AND bucket_time <= $2`
)

// Catalog statements. These tables are fixed and created by migrations.
const (
	queryInsertEventSource = `
		INSERT INTO event_sources (id, name, description, retention)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`

	queryGetEventSourceByID   = `SELECT id, name, description, retention FROM event_sources WHERE id = $1`
	queryGetEventSourceByName = `SELECT id, name, description, retention FROM event_sources WHERE name = $1`
	queryListEventSources     = `SELECT id, name, description, retention FROM event_sources ORDER BY name ASC`

	queryInsertEventType = `
		INSERT INTO event_types (id, source_id, name, description, schema)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, name) DO NOTHING
	`

	queryGetEventTypeByID   = `SELECT id, source_id, name, description, schema FROM event_types WHERE id = $1`
	queryGetEventTypeByName = `SELECT id, source_id, name, description, schema FROM event_types WHERE source_id = $1 AND name = $2`
	queryListEventTypes     = `SELECT id, source_id, name, description, schema FROM event_types WHERE source_id = $1 ORDER BY name ASC`

	queryInsertReport = `
		INSERT INTO reports (id, name, description, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`

	queryGetReportByID   = `SELECT id, name, description, active FROM reports WHERE id = $1`
	queryGetReportByName = `SELECT id, name, description, active FROM reports WHERE name = $1`
	queryListReports     = `SELECT id, name, description, active FROM reports ORDER BY name ASC`

	queryUpdateReport = `
		UPDATE reports
		SET active = COALESCE($2, active), description = COALESCE($3, description)
		WHERE id = $1
		RETURNING id, name, description, active
	`

	queryInsertAggregationSource = `
		INSERT INTO aggregation_sources (id, report_id, target_collection, granularity, filter, partition, retention)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (report_id, target_collection) DO NOTHING
	`

	queryGetAggregationSourceByTarget = `
		SELECT id, report_id, target_collection, granularity, filter, partition, retention
		FROM aggregation_sources
		WHERE report_id = $1 AND target_collection = $2
	`

	queryListAggregationSources = `
		SELECT id, report_id, target_collection, granularity, filter, partition, retention
		FROM aggregation_sources
		WHERE report_id = $1
		ORDER BY target_collection ASC
	`

	// queryListActiveAggregationSources joins through reports so inactive
	// reports drop out of the durable pipeline without touching their config.
	queryListActiveAggregationSources = `
		SELECT a.id, a.report_id, a.target_collection, a.granularity, a.filter, a.partition, a.retention
		FROM aggregation_sources a
		JOIN reports r ON r.id = a.report_id
		WHERE r.active
		ORDER BY a.target_collection ASC
	`

	queryListRetainedAggregationSources = `
		SELECT id, report_id, target_collection, granularity, filter, partition, retention
		FROM aggregation_sources
		WHERE retention IS NOT NULL
		ORDER BY target_collection ASC
	`

	queryRemoveAggregationSource = `DELETE FROM aggregation_sources WHERE id = $1`
)

// Result-cache statements.
const (
	queryGetCacheByKey = `
		SELECT cache_key, base_key, report_id, range_start, range_end, data, created_at
		FROM report_cache
		WHERE cache_key = $1
	`

	// queryGetOverlappingCache returns partial-mode chunks whose inclusive
	// range intersects the requested one, oldest range first.
	queryGetOverlappingCache = `
		SELECT cache_key, base_key, report_id, range_start, range_end, data, created_at
		FROM report_cache
		WHERE base_key = $1
		  AND range_start <= $3
		  AND range_end >= $2
		ORDER BY range_start ASC
	`

	queryUpsertFullCache = `
		INSERT INTO report_cache (cache_key, base_key, report_id, range_start, range_end, data, created_at)
		VALUES ($1, '', $2, $3, $4, $5, $6)
		ON CONFLICT (cache_key) WHERE cache_key <> '' DO UPDATE SET
			range_start = EXCLUDED.range_start,
			range_end   = EXCLUDED.range_end,
			data        = EXCLUDED.data,
			created_at  = EXCLUDED.created_at
	`

	queryInsertPartialCache = `
		INSERT INTO report_cache (cache_key, base_key, report_id, range_start, range_end, data, created_at)
		VALUES ('', $1, $2, $3, $4, $5, $6)
	`

	queryDeleteOverlappingCache = `
		DELETE FROM report_cache
		WHERE base_key = $1
		  AND range_start <= $3
		  AND range_end >= $2
	`

	queryCountCacheByBaseKey = `SELECT COUNT(*) FROM report_cache WHERE base_key = $1`
)
