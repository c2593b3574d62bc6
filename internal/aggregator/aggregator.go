package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/partition"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/hooks"
	"github.com/strata-analytics/strata/internal/queue"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 100
	defaultConcurrency  = 8
	defaultWriteRetries = 3
)

// Catalog is the slice of the catalog store the worker needs.
type Catalog interface {
	GetEventSourceByID(ctx context.Context, id string) (*v1.EventSourceDefinition, error)
	GetEventTypeByID(ctx context.Context, id string) (*v1.EventType, error)
	ListActiveAggregationSources(ctx context.Context) ([]*v1.AggregationSource, error)
}

// Config tunes the worker loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	WriteRetries int
}

func (c Config) normalized() Config {
	n := c
	if n.PollInterval <= 0 {
		n.PollInterval = defaultPollInterval
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.Concurrency <= 0 {
		n.Concurrency = defaultConcurrency
	}
	if n.WriteRetries <= 0 {
		n.WriteRetries = defaultWriteRetries
	}
	return n
}

// EncodeJobBody packs the source id and event id into a queue job body.
// Events live in per-source log tables, so the id alone would be ambiguous.
func EncodeJobBody(sourceID string, eventID int64) string {
	return sourceID + "/" + strconv.FormatInt(eventID, 10)
}

// DecodeJobBody reverses EncodeJobBody.
func DecodeJobBody(body string) (sourceID string, eventID int64, err error) {
	idx := strings.LastIndex(body, "/")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed job body %q", body)
	}
	id, err := strconv.ParseInt(body[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed job body %q: %w", body, err)
	}
	return body[:idx], id, nil
}

// Aggregator is the durable pipeline worker: it drains the event queue,
// fans each event out across the active aggregation sources, and writes the
// derived deltas to the metric store with bounded retries. Jobs are acked
// only after every write committed, so a crash mid-event replays it; the
// upsert keys make replays increment-once per committed transaction, and
// at-least-once delivery is the contract.
type Aggregator struct {
	queue   *queue.ReliableQueue
	events  storage.EventStore
	metrics storage.MetricStore
	catalog Catalog
	buffer  *buffer.Buffer
	hooks   *hooks.Registry
	cfg     Config

	processed *prometheus.CounterVec
	deltas    prometheus.Counter
}

// New wires a worker. The buffer is only touched by reprocessing, which
// clears rebuilt targets; realtime writes belong to the record path. buf and
// reg may be nil, everything else is required.
func New(
	q *queue.ReliableQueue,
	events storage.EventStore,
	metricStore storage.MetricStore,
	catalog Catalog,
	buf *buffer.Buffer,
	registry *hooks.Registry,
	cfg Config,
	reg prometheus.Registerer,
) *Aggregator {
	a := &Aggregator{
		queue:   q,
		events:  events,
		metrics: metricStore,
		catalog: catalog,
		buffer:  buf,
		hooks:   registry,
		cfg:     cfg.normalized(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_aggregator_events_total",
			Help: "Events drained from the aggregation queue, by outcome.",
		}, []string{"outcome"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_aggregator_deltas_written_total",
			Help: "Metric deltas written to the durable tier.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.processed, a.deltas)
	}
	return a
}

// Start runs the worker until ctx is cancelled: recover stale jobs from a
// previous generation, then poll the queue and the delayed set on tickers.
// A final synchronous drain runs on shutdown.
func (a *Aggregator) Start(ctx context.Context) error {
	if _, err := a.queue.RecoverStale(ctx); err != nil {
		return fmt.Errorf("aggregator: startup recovery: %w", err)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("[Aggregator] Starting",
		"poll_interval", a.cfg.PollInterval,
		"batch_size", a.cfg.BatchSize,
		"concurrency", a.cfg.Concurrency)

	for {
		select {
		case <-ticker.C:
			if _, err := a.queue.RequeueDelayed(ctx, time.Now()); err != nil {
				slog.Error("[Aggregator] Delayed requeue failed", "error", err)
			}
			if err := a.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("[Aggregator] Drain failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("[Aggregator] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.drain(shutdownCtx); err != nil {
				slog.Warn("[Aggregator] Final drain incomplete", "error", err)
			}
			return nil
		}
	}
}

// Flush drains the queue synchronously until it is empty. Tests and the
// reprocessing path use it to reach quiescence.
func (a *Aggregator) Flush(ctx context.Context) error {
	if _, err := a.queue.RequeueDelayed(ctx, time.Now()); err != nil {
		return err
	}
	return a.drain(ctx)
}

// drain processes batches until the pending list is empty.
func (a *Aggregator) drain(ctx context.Context) error {
	for {
		jobs, err := a.fetchBatch(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Concurrency)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				a.handle(gctx, job)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if len(jobs) < a.cfg.BatchSize {
			return nil
		}
	}
}

func (a *Aggregator) fetchBatch(ctx context.Context) ([]queue.Job, error) {
	jobs := make([]queue.Job, 0, a.cfg.BatchSize)
	for len(jobs) < a.cfg.BatchSize {
		job, err := a.queue.Fetch(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// handle processes one job and settles it: ack on success, fail (delayed
// retry or dead-letter) on error.
func (a *Aggregator) handle(ctx context.Context, job queue.Job) {
	if err := a.processJob(ctx, job); err != nil {
		a.processed.WithLabelValues("failed").Inc()
		slog.Error("[Aggregator] Event processing failed",
			"body", job.Body,
			"attempts", job.Attempts,
			"error", err)
		if failErr := a.queue.Fail(ctx, job); failErr != nil {
			slog.Error("[Aggregator] Failed to reschedule job", "body", job.Body, "error", failErr)
		}
		return
	}
	a.processed.WithLabelValues("processed").Inc()
	if err := a.queue.Acknowledge(ctx, job); err != nil {
		// The work is durable; a lost ack means one redundant replay.
		slog.Warn("[Aggregator] Ack failed", "body", job.Body, "error", err)
	}
}

func (a *Aggregator) processJob(ctx context.Context, job queue.Job) error {
	sourceID, eventID, err := DecodeJobBody(job.Body)
	if err != nil {
		return err
	}

	source, err := a.catalog.GetEventSourceByID(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("resolve source %s: %w", sourceID, err)
	}

	event, err := a.events.GetEventByID(ctx, storage.EventTableName(source.Name), eventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}

	return a.ProcessEvent(ctx, event)
}

// ProcessEvent fans one event out across every active aggregation source
// whose filter admits it. Exported for the reprocessing path, which feeds
// events straight from the log without the queue.
func (a *Aggregator) ProcessEvent(ctx context.Context, event *v1.Event) error {
	eventType, err := a.catalog.GetEventTypeByID(ctx, event.EventTypeID)
	if err != nil {
		return fmt.Errorf("resolve event type %s: %w", event.EventTypeID, err)
	}

	sources, err := a.catalog.ListActiveAggregationSources(ctx)
	if err != nil {
		return fmt.Errorf("list aggregation sources: %w", err)
	}

	// Every matching target gets its attempt; one failing write must not
	// starve the rest. The job fails (and retries) only after the loop.
	var written []string
	var errs []error
	for _, src := range sources {
		if !src.Filter.MatchesSource(event.SourceID) || !src.Filter.MatchesEvent(eventType.Name) {
			continue
		}
		if err := a.aggregateInto(ctx, src, event, eventType.Name); err != nil {
			slog.Error("[Aggregator] Aggregation write failed",
				"target", src.TargetCollection,
				"event_id", event.ID,
				"error", err)
			errs = append(errs, fmt.Errorf("aggregate into %s: %w", src.TargetCollection, err))
			continue
		}
		written = append(written, src.TargetCollection)
	}

	if a.hooks != nil && len(written) > 0 {
		a.hooks.FireAfterAggregationWritten(ctx, event, written)
	}
	return errors.Join(errs...)
}

// TableFor resolves the storage unit for one aggregation source at time t.
func TableFor(src *v1.AggregationSource, t time.Time) string {
	prefix := storage.CollectionTableName(src.TargetCollection)
	if src.Partition == nil || !src.Partition.Enabled {
		return prefix
	}
	return partition.Name(prefix, t, metrics.Granularity(src.Granularity), src.Partition.Length)
}

func (a *Aggregator) aggregateInto(ctx context.Context, src *v1.AggregationSource, event *v1.Event, eventTypeName string) error {
	gran, err := metrics.ParseGranularity(src.Granularity)
	if err != nil {
		return fmt.Errorf("source %s: %w", src.ID, err)
	}

	deltas := metrics.Derive(event, eventTypeName, gran)
	if len(deltas) == 0 {
		return nil
	}

	if a.hooks != nil {
		if deltas, err = a.hooks.RunBeforeMetricsWritten(ctx, src.TargetCollection, deltas); err != nil {
			return fmt.Errorf("beforeMetricsWritten hook: %w", err)
		}
	}

	var accumulating, boolean []metrics.Delta
	for _, d := range deltas {
		if d.Key.AggregationType.Accumulates() {
			accumulating = append(accumulating, d)
		} else {
			boolean = append(boolean, d)
		}
	}
	accumulating = metrics.CoalesceDeltas(accumulating)

	// Boolean deltas keep the raw event timestamp but stay inside the same
	// partition span, so one table covers the whole event.
	table := TableFor(src, event.Timestamp)

	if err := a.writeWithRetry(ctx, func() error {
		return a.metrics.UpsertDeltas(ctx, table, accumulating)
	}); err != nil {
		return err
	}
	if err := a.writeWithRetry(ctx, func() error {
		return a.metrics.InsertBooleanDeltas(ctx, table, boolean)
	}); err != nil {
		return err
	}
	a.deltas.Add(float64(len(accumulating) + len(boolean)))

	if a.hooks != nil {
		a.hooks.FireAfterMetricsWritten(ctx, src.TargetCollection, deltas)
	}
	return nil
}

// writeWithRetry retries transient write failures a bounded number of times
// before handing the job back to the queue's backoff machinery.
func (a *Aggregator) writeWithRetry(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < a.cfg.WriteRetries; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}
