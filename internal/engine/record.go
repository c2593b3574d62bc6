package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/aggregator"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// ValidationError rejects a malformed record or catalog request. The
// transport layer maps it to a 4xx instead of a 5xx.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// RecordEvent validates and durably records one event for the named source,
// queues it for aggregation, and mirrors its deltas into the realtime
// buffer when the event is recent. Recording the same UUID twice returns
// the originally recorded event.
func (e *Engine) RecordEvent(ctx context.Context, sourceName string, t *v1.EventTransfer) (*v1.Event, error) {
	if e.hooks != nil {
		var err error
		if t, err = e.hooks.RunBeforeEventRecord(ctx, t); err != nil {
			e.recorded.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("beforeEventRecord hook: %w", err)
		}
	}
	if err := t.Validate(); err != nil {
		e.recorded.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Reason: err.Error()}
	}

	source, err := e.catalog.GetEventSourceByName(ctx, sourceName)
	if errors.Is(err, storage.ErrNotFound) {
		e.recorded.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown event source %q", sourceName)}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", sourceName, err)
	}

	eventType, err := e.catalog.GetEventTypeByName(ctx, source.ID, t.EventType)
	if errors.Is(err, storage.ErrNotFound) {
		e.recorded.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Reason: fmt.Sprintf(
			"event type %q is not defined for source %q", t.EventType, sourceName)}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve event type %q: %w", t.EventType, err)
	}

	if err := validatePayload(eventType, t.Payload); err != nil {
		e.recorded.WithLabelValues("invalid").Inc()
		return nil, err
	}

	event := &v1.Event{
		UUID:         t.UUID,
		SourceID:     source.ID,
		EventTypeID:  eventType.ID,
		Timestamp:    t.Timestamp,
		Payload:      t.Payload,
		Attributions: t.Attributions,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}

	saved, err := e.events.SaveEvent(ctx, storage.EventTableName(source.Name), event)
	if errors.Is(err, storage.ErrDuplicate) {
		// Idempotent replay: the original event was already queued and
		// aggregated, so there is nothing left to do.
		e.recorded.WithLabelValues("duplicate").Inc()
		return saved, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", t.UUID, err)
	}

	if err := e.queue.Push(ctx, aggregator.EncodeJobBody(source.ID, saved.ID)); err != nil {
		// The event is durable but unqueued; reprocessing can recover it.
		// Surfacing the error lets the client retry with the same UUID.
		return nil, fmt.Errorf("queue event %s: %w", t.UUID, err)
	}

	e.writeRealtime(ctx, saved, eventType.Name)

	if e.hooks != nil {
		e.hooks.FireAfterEventRecord(ctx, saved)
	}
	e.recorded.WithLabelValues("recorded").Inc()
	return saved, nil
}

// RecordEvents records a batch in order. The first failure aborts the
// batch; already recorded events stay recorded, and the idempotent UUIDs
// make the client's retry of the whole batch safe.
func (e *Engine) RecordEvents(ctx context.Context, sourceName string, transfers []*v1.EventTransfer) ([]*v1.Event, error) {
	recorded := make([]*v1.Event, 0, len(transfers))
	for i, t := range transfers {
		event, err := e.RecordEvent(ctx, sourceName, t)
		if err != nil {
			return recorded, fmt.Errorf("event %d of %d: %w", i+1, len(transfers), err)
		}
		recorded = append(recorded, event)
	}
	return recorded, nil
}

// validatePayload enforces the event type's schema on the fields it names.
// Fields outside the schema pass through; the schema constrains, it does
// not enumerate.
func validatePayload(eventType *v1.EventType, payload map[string]any) error {
	for field, kind := range eventType.Schema {
		value, ok := payload[field]
		if !ok {
			continue
		}
		if !kindMatches(kind, value) {
			return &ValidationError{Reason: fmt.Sprintf(
				"payload field %q must be a %s for event type %q", field, kind, eventType.Name)}
		}
	}
	return nil
}

func kindMatches(kind string, value any) bool {
	switch kind {
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	}
	return true
}

// writeRealtime mirrors a recent event's deltas into the buffer so
// realtime queries see it before the worker catches up. Buffer failures
// are logged, never surfaced: the durable path is the source of truth.
func (e *Engine) writeRealtime(ctx context.Context, event *v1.Event, eventTypeName string) {
	if e.buffer == nil {
		return
	}
	if e.now().Sub(event.Timestamp) > e.cfg.BufferWindow {
		return
	}

	sources, err := e.activeAggregationSources(ctx)
	if err != nil {
		slog.Warn("[Engine] Realtime write skipped, sources unavailable", "error", err)
		return
	}

	for _, src := range sources {
		if !src.Filter.MatchesSource(event.SourceID) || !src.Filter.MatchesEvent(eventTypeName) {
			continue
		}
		gran, err := metrics.ParseGranularity(src.Granularity)
		if err != nil {
			slog.Warn("[Engine] Realtime write skipped for source",
				"source_id", src.ID, "error", err)
			continue
		}

		deltas := metrics.Derive(event, eventTypeName, gran)
		if len(deltas) == 0 {
			continue
		}
		entries := make([]buffer.Entry, 0, len(deltas))
		for _, d := range deltas {
			entries = append(entries, buffer.FromDelta(d))
		}
		if err := e.buffer.Add(ctx, src.TargetCollection, entries); err != nil {
			slog.Warn("[Engine] Realtime buffer write failed",
				"target", src.TargetCollection, "error", err)
			continue
		}
		if e.hooks != nil {
			e.hooks.FireAfterRealtimeMetricsGenerated(ctx, src.TargetCollection, len(entries))
		}
	}
}
