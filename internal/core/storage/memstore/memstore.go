// Package memstore provides in-memory implementations of the storage
// contracts for tests: reference semantics without Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// EventStore is an in-memory storage.EventStore.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	tables map[string][]*v1.Event
}

func NewEventStore() *EventStore {
	return &EventStore{tables: make(map[string][]*v1.Event)}
}

func (s *EventStore) SaveEvent(ctx context.Context, table string, event *v1.Event) (*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tables[table] {
		if e.UUID == event.UUID {
			return e, storage.ErrDuplicate
		}
	}
	s.nextID++
	event.ID = s.nextID
	s.tables[table] = append(s.tables[table], event)
	return event, nil
}

func (s *EventStore) GetEventByID(ctx context.Context, table string, id int64) (*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tables[table] {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *EventStore) GetEventsByRange(ctx context.Context, table string, timeRange v1.TimeRange, eventTypeIDs []string, limit int, afterID int64) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(eventTypeIDs))
	for _, id := range eventTypeIDs {
		wanted[id] = true
	}

	events := append([]*v1.Event(nil), s.tables[table]...)
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	var out []*v1.Event
	for _, e := range events {
		if e.ID <= afterID || !timeRange.Contains(e.Timestamp) {
			continue
		}
		if len(wanted) > 0 && !wanted[e.EventTypeID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *EventStore) DeleteEventsBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*v1.Event
	var deleted int64
	for _, e := range s.tables[table] {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.tables[table] = kept
	return deleted, nil
}

// MetricStore is an in-memory storage.MetricStore with the same filter
// semantics as the Postgres adapter.
type MetricStore struct {
	mu     sync.Mutex
	tables map[string][]metrics.Delta
}

func NewMetricStore() *MetricStore {
	return &MetricStore{tables: make(map[string][]metrics.Delta)}
}

func (s *MetricStore) UpsertDeltas(ctx context.Context, table string, deltas []metrics.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	for _, d := range deltas {
		merged := false
		for i := range rows {
			if rows[i].Key == d.Key {
				rows[i].Increment = rows[i].Increment.Add(d.Increment)
				merged = true
				break
			}
		}
		if !merged {
			rows = append(rows, d)
		}
	}
	s.tables[table] = rows
	return nil
}

func (s *MetricStore) InsertBooleanDeltas(ctx context.Context, table string, deltas []metrics.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], deltas...)
	return nil
}

func matchesFilter(k metrics.Key, f storage.AggregateFilter) bool {
	if !f.TimeRange.Start.IsZero() && k.Timestamp.Before(f.TimeRange.Start) {
		return false
	}
	if !f.TimeRange.End.IsZero() && k.Timestamp.After(f.TimeRange.End) {
		return false
	}
	if f.AttributionType != "" && (k.AttributionType != f.AttributionType || k.AttributionValue != f.AttributionValue) {
		return false
	}
	if f.AggregationType != "" && k.AggregationType != f.AggregationType {
		return false
	}
	if f.PayloadField != "" && k.PayloadField != f.PayloadField {
		return false
	}
	if f.CompoundCategoryKey != "" && k.CompoundCategoryKey != f.CompoundCategoryKey {
		return false
	}
	if len(f.SourceIDs) > 0 && !contains(f.SourceIDs, k.SourceID) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, k.EventType) {
		return false
	}
	if len(f.Granularities) > 0 {
		found := false
		for _, g := range f.Granularities {
			if k.Granularity == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.MetricFields) > 0 && f.AggregationType == "" {
		if k.AggregationType != metrics.AggCount && !contains(f.MetricFields, k.PayloadField) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MetricStore) QueryAggregates(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AggregateRow
	for _, d := range s.tables[table] {
		if d.Key.AggregationType == metrics.AggBoolean || !matchesFilter(d.Key, filter) {
			continue
		}
		out = append(out, storage.AggregateRow{
			Timestamp:           d.Key.Timestamp,
			Granularity:         d.Key.Granularity,
			AggregationType:     d.Key.AggregationType,
			EventType:           d.Key.EventType,
			PayloadField:        d.Key.PayloadField,
			PayloadCategory:     d.Key.PayloadCategory,
			CompoundCategoryKey: d.Key.CompoundCategoryKey,
			Value:               d.Increment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MetricStore) QueryBooleans(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.BooleanRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	boolFilter := filter
	boolFilter.AggregationType = metrics.AggBoolean
	var out []storage.BooleanRow
	for _, d := range s.tables[table] {
		if d.Key.AggregationType != metrics.AggBoolean || !matchesFilter(d.Key, boolFilter) {
			continue
		}
		out = append(out, storage.BooleanRow{
			Timestamp:    d.Key.Timestamp,
			PayloadField: d.Key.PayloadField,
			Value:        !d.Increment.IsZero(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MetricStore) QueryLeaves(ctx context.Context, table string, filter storage.AggregateFilter) ([]storage.LeafRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leafFilter := filter
	leafFilter.AggregationType = metrics.AggLeafSum

	type acc struct {
		row storage.LeafRow
	}
	grouped := make(map[string]*acc)
	var order []string
	for _, d := range s.tables[table] {
		if d.Key.AggregationType != metrics.AggLeafSum || !matchesFilter(d.Key, leafFilter) {
			continue
		}
		a, ok := grouped[d.Key.LeafKey]
		if !ok {
			group := decodeLeafKey(d.Key.LeafKey)
			a = &acc{row: storage.LeafRow{Group: group, Timestamp: d.Key.Timestamp}}
			grouped[d.Key.LeafKey] = a
			order = append(order, d.Key.LeafKey)
		}
		a.row.Value = a.row.Value.Add(d.Increment)
		if d.Key.Timestamp.After(a.row.Timestamp) {
			a.row.Timestamp = d.Key.Timestamp
		}
	}

	out := make([]storage.LeafRow, 0, len(order))
	for _, k := range order {
		out = append(out, grouped[k].row)
	}
	return out, nil
}

func decodeLeafKey(leafKey string) map[string]string {
	group := make(map[string]string)
	if leafKey != "" {
		_ = json.Unmarshal([]byte(leafKey), &group)
	}
	return group
}

func (s *MetricStore) ListTables(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.tables {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MetricStore) DeleteAggregatesInRange(ctx context.Context, table string, timeRange v1.TimeRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []metrics.Delta
	for _, d := range s.tables[table] {
		if timeRange.Contains(d.Key.Timestamp) {
			continue
		}
		kept = append(kept, d)
	}
	s.tables[table] = kept
	return nil
}

func (s *MetricStore) DropTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

// Rows returns a copy of one table's raw deltas for assertions.
func (s *MetricStore) Rows(table string) []metrics.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.Delta(nil), s.tables[table]...)
}

// Catalog is an in-memory catalog sufficient for pipeline tests. Populate
// the exported slices directly; lookups are linear.
type Catalog struct {
	Sources            []*v1.EventSourceDefinition
	EventTypes         []*v1.EventType
	Reports            []*v1.Report
	AggregationSources []*v1.AggregationSource
}

func (c *Catalog) GetEventSourceByID(ctx context.Context, id string) (*v1.EventSourceDefinition, error) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) GetReportByID(ctx context.Context, id string) (*v1.Report, error) {
	for _, r := range c.Reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) GetEventTypeByID(ctx context.Context, id string) (*v1.EventType, error) {
	for _, t := range c.EventTypes {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error) {
	return c.Sources, nil
}

func (c *Catalog) ListAggregationSources(ctx context.Context, reportID string) ([]*v1.AggregationSource, error) {
	var out []*v1.AggregationSource
	for _, a := range c.AggregationSources {
		if a.ReportID == reportID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *Catalog) ListActiveAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error) {
	active := make(map[string]bool)
	for _, r := range c.Reports {
		if r.Active {
			active[r.ID] = true
		}
	}
	var out []*v1.AggregationSource
	for _, a := range c.AggregationSources {
		if active[a.ReportID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *Catalog) GetEventSourceByName(ctx context.Context, name string) (*v1.EventSourceDefinition, error) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) GetEventTypeByName(ctx context.Context, sourceID, name string) (*v1.EventType, error) {
	for _, t := range c.EventTypes {
		if t.SourceID == sourceID && t.Name == name {
			return t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) FindOrCreateEventSource(ctx context.Context, def *v1.EventSourceDefinition) (*v1.EventSourceDefinition, error) {
	for _, s := range c.Sources {
		if s.Name == def.Name {
			return s, nil
		}
	}
	created := *def
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	c.Sources = append(c.Sources, &created)
	return &created, nil
}

func (c *Catalog) FindOrCreateEventType(ctx context.Context, et *v1.EventType) (*v1.EventType, error) {
	for _, t := range c.EventTypes {
		if t.SourceID == et.SourceID && t.Name == et.Name {
			return t, nil
		}
	}
	created := *et
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	c.EventTypes = append(c.EventTypes, &created)
	return &created, nil
}

func (c *Catalog) ListEventTypes(ctx context.Context, sourceID string) ([]*v1.EventType, error) {
	var out []*v1.EventType
	for _, t := range c.EventTypes {
		if t.SourceID == sourceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Catalog) FindOrCreateReport(ctx context.Context, report *v1.Report) (*v1.Report, error) {
	for _, r := range c.Reports {
		if r.Name == report.Name {
			return r, nil
		}
	}
	created := *report
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	c.Reports = append(c.Reports, &created)
	return &created, nil
}

func (c *Catalog) UpdateReport(ctx context.Context, id string, active *bool, description *string) (*v1.Report, error) {
	for _, r := range c.Reports {
		if r.ID == id {
			if active != nil {
				r.Active = *active
			}
			if description != nil {
				r.Description = *description
			}
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Catalog) ListReports(ctx context.Context) ([]*v1.Report, error) {
	return c.Reports, nil
}

func (c *Catalog) FindOrCreateAggregationSource(ctx context.Context, src *v1.AggregationSource) (*v1.AggregationSource, error) {
	for _, a := range c.AggregationSources {
		if a.ReportID == src.ReportID && a.TargetCollection == src.TargetCollection {
			return a, nil
		}
	}
	created := *src
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	c.AggregationSources = append(c.AggregationSources, &created)
	return &created, nil
}

func (c *Catalog) RemoveAggregationSource(ctx context.Context, id string) error {
	for i, a := range c.AggregationSources {
		if a.ID == id {
			c.AggregationSources = append(c.AggregationSources[:i], c.AggregationSources[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (c *Catalog) ListRetainedAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error) {
	var out []*v1.AggregationSource
	for _, a := range c.AggregationSources {
		if a.Retention != nil && a.Retention.HotDays > 0 && a.Partition != nil && a.Partition.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

// CacheStore is an in-memory storage.CacheStore.
type CacheStore struct {
	mu     sync.Mutex
	chunks []*storage.CacheChunk
}

func NewCacheStore() *CacheStore {
	return &CacheStore{}
}

func (s *CacheStore) GetByCacheKey(ctx context.Context, cacheKey string) (*storage.CacheChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.CacheKey != "" && c.CacheKey == cacheKey {
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *CacheStore) GetOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) ([]*storage.CacheChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.CacheChunk
	for _, c := range s.chunks {
		if c.BaseKey == baseKey && c.CacheKey == "" && overlaps(c.TimeRange, timeRange) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TimeRange.Start.Before(out[j].TimeRange.Start)
	})
	return out, nil
}

func (s *CacheStore) PutFull(ctx context.Context, chunk *storage.CacheChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chunks {
		if c.CacheKey != "" && c.CacheKey == chunk.CacheKey {
			s.chunks[i] = chunk
			return nil
		}
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *CacheStore) PutPartial(ctx context.Context, chunk *storage.CacheChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *CacheStore) DeleteOverlapping(ctx context.Context, baseKey string, timeRange v1.TimeRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.BaseKey == baseKey && c.CacheKey == "" && overlaps(c.TimeRange, timeRange) {
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	return nil
}

func (s *CacheStore) CountByBaseKey(ctx context.Context, baseKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.chunks {
		if c.BaseKey == baseKey {
			n++
		}
	}
	return n, nil
}

func overlaps(a, b v1.TimeRange) bool {
	return !a.Start.After(b.End) && !a.End.Before(b.Start)
}
