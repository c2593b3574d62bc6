package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/storage/memstore"
	"github.com/strata-analytics/strata/internal/core/storage/rediscache"
	"github.com/strata-analytics/strata/internal/engine"
	"github.com/strata-analytics/strata/internal/hooks"
	"github.com/strata-analytics/strata/internal/query"
	"github.com/strata-analytics/strata/internal/queue"
)

var serverNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

type serverFixture struct {
	srv   *Server
	queue *queue.ReliableQueue
}

func newServerFixture(t *testing.T) *serverFixture {
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

	metricStore := memstore.NewMetricStore()
	registry := hooks.NewRegistry()
	q := queue.New(client, "events", 0)
	buf := buffer.New(client, time.Minute)
	queryEngine := query.New(metricStore, catalog, buf, nil, registry, query.Config{})

	app := engine.New(engine.Deps{
		Catalog: catalog,
		Events:  memstore.NewEventStore(),
		Metrics: metricStore,
		Queue:   q,
		Buffer:  buf,
		KV:      rediscache.New(client, "catalog", time.Minute),
		Hooks:   registry,
		Query:   queryEngine,
		Redis:   client,
	}, engine.Config{BufferWindow: 10 * time.Minute}, nil)

	return &serverFixture{
		srv:   New("127.0.0.1:0", app, nil, "release", 1<<20, prometheus.NewRegistry()),
		queue: q,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}

func TestRecordEvent(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sources/checkout/events", v1.EventTransfer{
		UUID:      "uuid-1",
		EventType: "payment",
		Timestamp: serverNow,
		Payload:   map[string]any{"amount": 12.5, "currency": "USD"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var event v1.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	require.Equal(t, "src-1", event.SourceID)

	depths, err := f.queue.Depths(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.Pending)
}

func TestRecordEvent_UndefinedTypeRejected(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sources/checkout/events", v1.EventTransfer{
		UUID:      "uuid-1",
		EventType: "refund",
		Timestamp: serverNow,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "refund")
}

func TestRecordEvent_UnknownSource(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sources/nope/events", v1.EventTransfer{
		UUID:      "uuid-1",
		EventType: "payment",
		Timestamp: serverNow,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordEventsBatch_ReportsPartialProgress(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sources/checkout/events/batch", []v1.EventTransfer{
		{UUID: "uuid-1", EventType: "payment", Timestamp: serverNow},
		{UUID: "uuid-2", EventType: "refund", Timestamp: serverNow},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Recorded int `json:"recorded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Recorded)
}

func TestCreateSourceAndEventType(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sources", v1.EventSourceDefinition{Name: "billing"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/sources/billing/event-types", v1.EventType{
		Name:   "invoice_paid",
		Schema: map[string]string{"total": "number"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/sources/billing/event-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "invoice_paid")
}

func TestQueryReport_EmptyRange(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/query/report", v1.Query{
		ReportID:    "rep-1",
		Metric:      v1.MetricSelector{Type: "COUNT"},
		TimeRange:   v1.TimeRange{Start: serverNow.Add(-time.Hour), End: serverNow},
		Granularity: "hour",
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestQueryReport_UnknownReport(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/query/report", v1.Query{
		ReportID:    "rep-missing",
		Metric:      v1.MetricSelector{Type: "COUNT"},
		TimeRange:   v1.TimeRange{Start: serverNow.Add(-time.Hour), End: serverNow},
		Granularity: "hour",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoveAggregationSource_NotFound(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodDelete, "/v1/aggregation-sources/agg-missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats_NoSnapshotYet(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
