package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/partition"
	"github.com/strata-analytics/strata/internal/core/storage"
)

const reprocessPageSize = 1000

// ReprocessCatalog extends Catalog with the lookups replay needs.
type ReprocessCatalog interface {
	Catalog
	ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error)
	ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error)
}

// ReprocessReport rebuilds one report's aggregates from the raw event logs
// over the given range. Existing aggregates covering the range are cleared
// first, so replaying accumulating deltas cannot double-count; the realtime
// buffer for each target is cleared for the same reason. Storage units are
// wider than an arbitrary range (whole granularity buckets, or whole
// partitions), so the reset widens the range to unit boundaries and the
// replay covers the widened span. Aggregates outside the touched units are
// never affected.
func (a *Aggregator) ReprocessReport(ctx context.Context, catalog ReprocessCatalog, reportID string, timeRange v1.TimeRange) error {
	aggSources, err := catalog.ListAggregationSources(ctx, reportID)
	if err != nil {
		return fmt.Errorf("reprocess %s: %w", reportID, err)
	}
	if len(aggSources) == 0 {
		return fmt.Errorf("reprocess %s: report has no aggregation sources", reportID)
	}

	eventSources, err := catalog.ListEventSources(ctx)
	if err != nil {
		return fmt.Errorf("reprocess %s: %w", reportID, err)
	}
	sourcesByID := make(map[string]*v1.EventSourceDefinition, len(eventSources))
	for _, s := range eventSources {
		sourcesByID[s.ID] = s
	}

	for _, src := range aggSources {
		replayRange, err := a.resetRange(ctx, src, timeRange)
		if err != nil {
			return fmt.Errorf("reprocess %s: %w", reportID, err)
		}
		if a.buffer != nil {
			if err := a.buffer.RemoveTarget(ctx, src.TargetCollection); err != nil {
				slog.Warn("[Aggregator] Buffer clear failed during reprocess",
					"target", src.TargetCollection, "error", err)
			}
		}

		for _, eventSource := range a.matchingSources(src, eventSources) {
			if err := a.replaySource(ctx, catalog, src, eventSource, replayRange); err != nil {
				return fmt.Errorf("reprocess %s: source %s: %w", reportID, eventSource.Name, err)
			}
		}
	}

	slog.Info("[Aggregator] Reprocessed report",
		"report_id", reportID,
		"start", timeRange.Start,
		"end", timeRange.End)
	return nil
}

// resetRange clears the aggregates the replay will rebuild and returns the
// widened range the replay must cover. Unpartitioned targets get a bucket-
// aligned row delete; partitioned targets drop whole partition tables, and
// the replay expands to each dropped partition's full span so every bucket
// the drop took out is rebuilt.
func (a *Aggregator) resetRange(ctx context.Context, src *v1.AggregationSource, timeRange v1.TimeRange) (v1.TimeRange, error) {
	gran, err := metrics.ParseGranularity(src.Granularity)
	if err != nil {
		return v1.TimeRange{}, err
	}
	prefix := storage.CollectionTableName(src.TargetCollection)

	if src.Partition == nil || !src.Partition.Enabled {
		widened := v1.TimeRange{
			Start: gran.Truncate(timeRange.Start),
			End:   gran.Truncate(timeRange.End).Add(gran.Duration() - time.Millisecond),
		}
		if err := a.metrics.DeleteAggregatesInRange(ctx, prefix, widened); err != nil {
			return v1.TimeRange{}, err
		}
		return widened, nil
	}

	d := partition.BucketDuration(gran, src.Partition.Length)
	for _, table := range partition.NamesForRange(prefix, timeRange, gran, src.Partition.Length) {
		if err := a.metrics.DropTable(ctx, table); err != nil {
			return v1.TimeRange{}, err
		}
	}
	startIdx := partition.BucketIndex(timeRange.Start, d)
	endIdx := partition.BucketIndex(timeRange.End, d)
	return v1.TimeRange{
		Start: time.UnixMilli(startIdx * d.Milliseconds()).UTC(),
		End:   time.UnixMilli((endIdx+1)*d.Milliseconds() - 1).UTC(),
	}, nil
}

// matchingSources resolves which event sources feed src: the filter's
// explicit refs, or every source when the filter is open.
func (a *Aggregator) matchingSources(src *v1.AggregationSource, all []*v1.EventSourceDefinition) []*v1.EventSourceDefinition {
	if len(src.Filter.Sources) == 0 {
		return all
	}
	var matched []*v1.EventSourceDefinition
	for _, s := range all {
		if src.Filter.MatchesSource(s.ID) {
			matched = append(matched, s)
		}
	}
	return matched
}

// replaySource pages one source's event log through the aggregation path
// for a single aggregation source.
func (a *Aggregator) replaySource(ctx context.Context, catalog ReprocessCatalog, src *v1.AggregationSource, eventSource *v1.EventSourceDefinition, timeRange v1.TimeRange) error {
	table := storage.EventTableName(eventSource.Name)
	typeNames := make(map[string]string)

	var afterID int64
	for {
		events, err := a.events.GetEventsByRange(ctx, table, timeRange, nil, reprocessPageSize, afterID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			name, ok := typeNames[event.EventTypeID]
			if !ok {
				eventType, err := catalog.GetEventTypeByID(ctx, event.EventTypeID)
				if err != nil {
					return fmt.Errorf("resolve event type %s: %w", event.EventTypeID, err)
				}
				name = eventType.Name
				typeNames[event.EventTypeID] = name
			}
			if !src.Filter.MatchesEvent(name) {
				continue
			}
			if err := a.aggregateInto(ctx, src, event, name); err != nil {
				return err
			}
		}
		afterID = events[len(events)-1].ID

		if len(events) < reprocessPageSize {
			return nil
		}
	}
}
