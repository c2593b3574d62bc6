package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// EventAdapter implements storage.EventStore over per-source event log
// tables. Tables materialize on first write; reads against a source that
// never recorded anything return empty results.
type EventAdapter struct {
	*Adapter
}

// NewEventAdapter returns the event store view of the shared adapter.
func NewEventAdapter(a *Adapter) *EventAdapter {
	return &EventAdapter{Adapter: a}
}

func (a *EventAdapter) ensureTable(ctx context.Context, table string) error {
	return a.registry.ensure(ctx, a.db, table, fmt.Sprintf(ddlEventTable, table))
}

// SaveEvent persists an event idempotently by uuid and populates event.ID.
// On a uuid collision the originally recorded event is returned along with
// storage.ErrDuplicate; callers treat that as success with the prior row.
func (a *EventAdapter) SaveEvent(ctx context.Context, table string, event *v1.Event) (*v1.Event, error) {
	if err := a.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	payloadJSON, attributionsJSON, err := marshalEventJSON(event)
	if err != nil {
		return nil, err
	}

	var id int64
	err = a.db.QueryRowContext(ctx, fmt.Sprintf(querySaveEvent, table),
		event.UUID,
		event.SourceID,
		event.EventTypeID,
		event.Timestamp,
		payloadJSON,
		attributionsJSON,
	).Scan(&id)

	if err == sql.ErrNoRows {
		// ON CONFLICT DO NOTHING - uuid already recorded, hand back the original
		existing, readErr := a.getEventByUUID(ctx, table, event.UUID)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read duplicate event %s: %w", event.UUID, readErr)
		}
		return existing, storage.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save event: %w", err)
	}

	event.ID = id
	slog.Debug("[Postgres] Saved event",
		"table", table,
		"uuid", event.UUID,
		"id", id)
	return event, nil
}

func (a *EventAdapter) getEventByUUID(ctx context.Context, table string, uuid string) (*v1.Event, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	row := a.db.QueryRowContext(ctx, fmt.Sprintf(queryGetEventByUUID, table), uuid)
	event, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return event, err
}

// GetEventByID resolves an event by its server-side id. The aggregation
// queue carries ids, so this is the hot read of the durable pipeline.
func (a *EventAdapter) GetEventByID(ctx context.Context, table string, id int64) (*v1.Event, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	row := a.db.QueryRowContext(ctx, fmt.Sprintf(queryGetEventByID, table), id)
	event, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return event, nil
}

// GetEventsByRange pages events inside [timeRange.Start, timeRange.End] in
// id order. afterID=0 starts from the beginning; eventTypeIDs narrows the
// page in memory since the list is usually one or two entries.
func (a *EventAdapter) GetEventsByRange(ctx context.Context, table string, timeRange v1.TimeRange, eventTypeIDs []string, limit int, afterID int64) ([]*v1.Event, error) {
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

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(queryGetEventsByRange, table),
		timeRange.Start, timeRange.End, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(eventTypeIDs))
	for _, id := range eventTypeIDs {
		wanted[id] = true
	}

	var events []*v1.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[event.EventTypeID] {
			continue
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// DeleteEventsBefore removes events older than the cutoff and reports how
// many went. Retention for non-partitioned event logs is a range delete.
func (a *EventAdapter) DeleteEventsBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}

	exists, err := a.tableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	result, err := a.db.ExecContext(ctx, fmt.Sprintf(queryDeleteEventsBefore, table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	if deleted > 0 {
		slog.Info("[Postgres] Deleted expired events",
			"table", table,
			"cutoff", cutoff,
			"deleted", deleted)
	}
	return deleted, nil
}

// tableExists resolves a table name via to_regclass, a cheap existence
// check for storage units that materialize lazily.
func (a *Adapter) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := a.db.QueryRowContext(ctx, queryTableExists, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}
