package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/core/storage/memstore"
	"github.com/strata-analytics/strata/internal/core/storage/rediscache"
	"github.com/strata-analytics/strata/internal/hooks"
	"github.com/strata-analytics/strata/internal/queue"
)

var recordNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	catalog *memstore.Catalog
	events  *memstore.EventStore
	queue   *queue.ReliableQueue
	buffer  *buffer.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	catalog := &memstore.Catalog{
		Sources: []*v1.EventSourceDefinition{
			{ID: "src-1", Name: "checkout"},
		},
		EventTypes: []*v1.EventType{
			{ID: "type-1", SourceID: "src-1", Name: "payment",
				Schema: map[string]string{"amount": "number", "currency": "string"}},
		},
		Reports: []*v1.Report{{ID: "rep-1", Name: "revenue", Active: true}},
		AggregationSources: []*v1.AggregationSource{
			{
				ID:               "agg-1",
				ReportID:         "rep-1",
				TargetCollection: "revenue_hourly",
				Granularity:      "hour",
				Filter: v1.AggregationSourceFilter{
					Sources: []v1.SourceRef{{ID: "src-1"}},
					Events:  []string{"payment"},
				},
			},
		},
	}

	f := &fixture{
		catalog: catalog,
		events:  memstore.NewEventStore(),
		queue:   queue.New(client, "events", 0),
		buffer:  buffer.New(client, time.Minute),
	}
	f.engine = New(Deps{
		Catalog: catalog,
		Events:  f.events,
		Metrics: memstore.NewMetricStore(),
		Queue:   f.queue,
		Buffer:  f.buffer,
		KV:      rediscache.New(client, "catalog", time.Minute),
		Hooks:   hooks.NewRegistry(),
	}, Config{BufferWindow: 10 * time.Minute}, nil)
	f.engine.now = func() time.Time { return recordNow }
	return f
}

func transfer(uuid string, ts time.Time) *v1.EventTransfer {
	return &v1.EventTransfer{
		UUID:      uuid,
		EventType: "payment",
		Timestamp: ts,
		Payload:   map[string]any{"amount": 12.5, "currency": "USD"},
	}
}

func TestRecordEvent_QueuesAndBuffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event, err := f.engine.RecordEvent(ctx, "checkout", transfer("uuid-1", recordNow.Add(-time.Minute)))
	require.NoError(t, err)
	require.NotZero(t, event.ID)
	require.Equal(t, "src-1", event.SourceID)

	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.Pending)

	targets, err := f.buffer.Targets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"revenue_hourly"}, targets)
}

func TestRecordEvent_DuplicateUUIDReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.RecordEvent(ctx, "checkout", transfer("uuid-1", recordNow))
	require.NoError(t, err)

	second, err := f.engine.RecordEvent(ctx, "checkout", transfer("uuid-1", recordNow))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// The replay must not enqueue a second aggregation job.
	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.Pending)
}

func TestRecordEvent_UndefinedEventType(t *testing.T) {
	f := newFixture(t)

	tr := transfer("uuid-1", recordNow)
	tr.EventType = "refund"
	_, err := f.engine.RecordEvent(context.Background(), "checkout", tr)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, `"refund"`)
	require.Contains(t, verr.Reason, `"checkout"`)
}

func TestRecordEvent_UnknownSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RecordEvent(context.Background(), "warehouse", transfer("uuid-1", recordNow))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRecordEvent_SchemaMismatch(t *testing.T) {
	f := newFixture(t)

	tr := transfer("uuid-1", recordNow)
	tr.Payload["amount"] = "a lot"
	_, err := f.engine.RecordEvent(context.Background(), "checkout", tr)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "amount")
}

func TestRecordEvent_OldEventSkipsBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordEvent(ctx, "checkout", transfer("uuid-1", recordNow.Add(-2*time.Hour)))
	require.NoError(t, err)

	targets, err := f.buffer.Targets(ctx)
	require.NoError(t, err)
	require.Empty(t, targets)

	// The durable path still sees it.
	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.Pending)
}

func TestRecordEvent_DefaultsTimestamp(t *testing.T) {
	f := newFixture(t)

	event, err := f.engine.RecordEvent(context.Background(), "checkout", transfer("uuid-1", time.Time{}))
	require.NoError(t, err)
	require.True(t, event.Timestamp.Equal(recordNow))
}

func TestRecordEvents_StopsOnFirstFailure(t *testing.T) {
	f := newFixture(t)

	bad := transfer("uuid-2", recordNow)
	bad.EventType = "refund"
	recorded, err := f.engine.RecordEvents(context.Background(), "checkout", []*v1.EventTransfer{
		transfer("uuid-1", recordNow),
		bad,
		transfer("uuid-3", recordNow),
	})
	require.Error(t, err)
	require.Len(t, recorded, 1)
}

func TestCreateAggregationSource_InvalidGranularity(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateAggregationSource(context.Background(), &v1.AggregationSource{
		ReportID:         "rep-1",
		TargetCollection: "revenue_fortnightly",
		Granularity:      "fortnight",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestActiveSources_CachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.activeAggregationSources(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A direct catalog edit is invisible while the cache holds the list.
	f.catalog.AggregationSources[0].Filter.Events = nil
	active, err := f.engine.UpdateReport(ctx, "rep-1", boolPtr(false), nil)
	require.NoError(t, err)
	require.False(t, active.Active)

	second, err := f.engine.activeAggregationSources(ctx)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestRemoveAggregationSource_ClearsBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordEvent(ctx, "checkout", transfer("uuid-1", recordNow))
	require.NoError(t, err)
	targets, err := f.buffer.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	require.NoError(t, f.engine.RemoveAggregationSource(ctx, "agg-1"))

	targets, err = f.buffer.Targets(ctx)
	require.NoError(t, err)
	require.Empty(t, targets)

	err = f.engine.RemoveAggregationSource(ctx, "agg-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func boolPtr(b bool) *bool { return &b }
