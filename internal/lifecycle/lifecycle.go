// Package lifecycle implements the retention scanner. On a fixed interval
// it walks every aggregation source that carries a retention policy, drops
// partition tables older than the hot window (handing each to a named
// offloader first when the policy asks for archival) and range-deletes stale
// rows from event logs whose source has its own retention policy.
//
// The scanner derives stale indexes through the partition package, the same
// math the writer and the reader use. A partition is never dropped when its
// offloader is missing or fails; losing data is worse than keeping it a
// cycle longer.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/partition"
	"github.com/strata-analytics/strata/internal/core/storage"
)

const defaultInterval = time.Hour

// Offloader archives one stale partition table before it is dropped.
// Implementations are registered by name and referenced from a retention
// policy's OffloaderPlugin field.
type Offloader interface {
	Offload(ctx context.Context, src *v1.AggregationSource, table string) error
}

// Catalog is the slice of the catalog store the scanner reads.
type Catalog interface {
	ListRetainedAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error)
	ListEventSources(ctx context.Context) ([]*v1.EventSourceDefinition, error)
}

// Config tunes the scanner loop.
type Config struct {
	Interval time.Duration
}

func (c Config) normalized() Config {
	n := c
	if n.Interval <= 0 {
		n.Interval = defaultInterval
	}
	return n
}

// Scanner runs periodic retention sweeps.
type Scanner struct {
	metrics storage.MetricStore
	events  storage.EventStore
	catalog Catalog
	cfg     Config

	mu         sync.RWMutex
	offloaders map[string]Offloader

	// now is swapped in tests to pin the stale-index math.
	now func() time.Time

	dropped       prometheus.Counter
	eventsDeleted prometheus.Counter
	sweepFailures prometheus.Counter
}

// New wires a scanner. reg may be nil.
func New(metricStore storage.MetricStore, eventStore storage.EventStore, catalog Catalog, cfg Config, reg prometheus.Registerer) *Scanner {
	s := &Scanner{
		metrics:    metricStore,
		events:     eventStore,
		catalog:    catalog,
		cfg:        cfg.normalized(),
		offloaders: make(map[string]Offloader),
		now:        time.Now,
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_lifecycle_partitions_dropped_total",
			Help: "Stale partition tables dropped by the retention scanner.",
		}),
		eventsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_lifecycle_events_deleted_total",
			Help: "Event-log rows removed by retention range deletes.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_lifecycle_sweep_failures_total",
			Help: "Retention sweep items that failed and were skipped.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.dropped, s.eventsDeleted, s.sweepFailures)
	}
	return s
}

// RegisterOffloader makes an offloader addressable from retention policies.
// Re-registering a name replaces the previous implementation.
func (s *Scanner) RegisterOffloader(name string, o Offloader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offloaders[name] = o
}

func (s *Scanner) offloader(name string) (Offloader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offloaders[name]
	return o, ok
}

// Start runs sweeps on the configured interval until ctx is cancelled. The
// first sweep happens one interval in, not at startup, so a crash-looping
// process does not hammer the catalog.
func (s *Scanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[Lifecycle] Starting", "interval", s.cfg.Interval)
	for {
		select {
		case <-ticker.C:
			if err := s.RunChecks(ctx); err != nil {
				slog.Error("[Lifecycle] Sweep failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("[Lifecycle] Stopping (context cancelled)")
			return nil
		}
	}
}

// RunChecks performs one full retention sweep: partitioned metric tables
// first, then event logs. Per-item failures are logged and skipped so one
// bad source cannot stall retention for the rest; only catalog listing
// errors abort the sweep.
func (s *Scanner) RunChecks(ctx context.Context) error {
	sources, err := s.catalog.ListRetainedAggregationSources(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list retained sources: %w", err)
	}
	for _, src := range sources {
		if err := s.sweepSource(ctx, src); err != nil {
			s.sweepFailures.Inc()
			slog.Error("[Lifecycle] Source sweep failed",
				"source_id", src.ID,
				"target_collection", src.TargetCollection,
				"error", err)
		}
	}

	eventSources, err := s.catalog.ListEventSources(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list event sources: %w", err)
	}
	for _, es := range eventSources {
		if es.Retention == nil || es.Retention.HotDays <= 0 {
			continue
		}
		if err := s.sweepEvents(ctx, es); err != nil {
			s.sweepFailures.Inc()
			slog.Error("[Lifecycle] Event-log sweep failed",
				"source", es.Name,
				"error", err)
		}
	}
	return nil
}

// sweepSource drops every partition table of one aggregation source whose
// index falls below the hot threshold.
func (s *Scanner) sweepSource(ctx context.Context, src *v1.AggregationSource) error {
	if src.Retention == nil || src.Retention.HotDays <= 0 {
		return nil
	}
	if src.Partition == nil || !src.Partition.Enabled {
		// Unpartitioned metric tables accumulate in place; there is no
		// unit to drop without destroying the hot window too.
		return nil
	}

	gran, err := metrics.ParseGranularity(src.Granularity)
	if err != nil {
		return err
	}
	staleBelow := partition.MaxStaleIndex(s.now(), src.Retention.HotDays, gran, src.Partition.Length)

	prefix := storage.CollectionTableName(src.TargetCollection)
	tables, err := s.metrics.ListTables(ctx, prefix+"_")
	if err != nil {
		return fmt.Errorf("list tables for %s: %w", prefix, err)
	}

	for _, table := range tables {
		idx, ok := partition.ParseIndex(table)
		if !ok || idx >= staleBelow {
			continue
		}
		if name := src.Retention.OffloaderPlugin; name != "" {
			off, ok := s.offloader(name)
			if !ok {
				return fmt.Errorf("offloader %q not registered, keeping %s", name, table)
			}
			if err := off.Offload(ctx, src, table); err != nil {
				return fmt.Errorf("offload %s via %q: %w", table, name, err)
			}
		}
		if err := s.metrics.DropTable(ctx, table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		s.dropped.Inc()
		slog.Info("[Lifecycle] Dropped stale partition",
			"table", table,
			"target_collection", src.TargetCollection,
			"hot_days", src.Retention.HotDays)
	}
	return nil
}

// sweepEvents range-deletes stale rows from one source's event log.
func (s *Scanner) sweepEvents(ctx context.Context, es *v1.EventSourceDefinition) error {
	cutoff := s.now().Add(-time.Duration(es.Retention.HotDays) * 24 * time.Hour)
	deleted, err := s.events.DeleteEventsBefore(ctx, storage.EventTableName(es.Name), cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.eventsDeleted.Add(float64(deleted))
		slog.Info("[Lifecycle] Deleted stale events",
			"source", es.Name,
			"deleted", deleted,
			"cutoff", cutoff)
	}
	return nil
}
