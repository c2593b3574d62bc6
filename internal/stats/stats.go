// Package stats samples engine health on an interval and publishes it to
// Redis: an instance-heartbeat sorted set scored by sample time, and a JSON
// snapshot of queue depths, buffer fan-out and database size. Any process
// with the Redis connection can read the latest snapshot back, which is how
// a multi-instance deployment answers "how busy is the pipeline" without a
// metrics stack. Prometheus gauges mirror the same numbers for deployments
// that do scrape.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/queue"
)

const (
	instancesKey = "strata:stats:instances"
	snapshotKey  = "strata:stats:snapshot"

	defaultInterval        = 30 * time.Second
	defaultHeartbeatWindow = 2 * time.Minute
)

// ErrNoSnapshot is returned by GetStats when no sampler has published yet.
var ErrNoSnapshot = errors.New("stats: no snapshot published")

// SizeReporter reports the durable store's on-disk size. The Postgres
// adapter implements it; nil skips the measurement.
type SizeReporter interface {
	DatabaseSize(ctx context.Context) (int64, error)
}

// Snapshot is the published health record.
type Snapshot struct {
	InstanceID    string       `json:"instance_id"`
	SampledAt     time.Time    `json:"sampled_at"`
	Instances     int64        `json:"instances"`
	Queue         queue.Depths `json:"queue"`
	BufferTargets int64        `json:"buffer_targets"`
	DatabaseBytes int64        `json:"database_bytes,omitempty"`
}

// Config tunes the sampler.
type Config struct {
	Interval time.Duration
	// HeartbeatWindow bounds how long a silent instance still counts as
	// alive. It must exceed Interval or instances flap.
	HeartbeatWindow time.Duration
}

func (c Config) normalized() Config {
	n := c
	if n.Interval <= 0 {
		n.Interval = defaultInterval
	}
	if n.HeartbeatWindow <= 0 {
		n.HeartbeatWindow = defaultHeartbeatWindow
	}
	if n.HeartbeatWindow < n.Interval {
		n.HeartbeatWindow = 2 * n.Interval
	}
	return n
}

// Sampler publishes health snapshots for one engine instance.
type Sampler struct {
	client     *redis.Client
	queue      *queue.ReliableQueue
	buffer     *buffer.Buffer
	db         SizeReporter
	cfg        Config
	instanceID string

	now func() time.Time

	queueDepth    *prometheus.GaugeVec
	bufferTargets prometheus.Gauge
	instances     prometheus.Gauge
}

// New wires a sampler. buf, db and reg may be nil.
func New(client *redis.Client, q *queue.ReliableQueue, buf *buffer.Buffer, db SizeReporter, cfg Config, reg prometheus.Registerer) *Sampler {
	s := &Sampler{
		client:     client,
		queue:      q,
		buffer:     buf,
		db:         db,
		cfg:        cfg.normalized(),
		instanceID: uuid.NewString(),
		now:        time.Now,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_queue_depth",
			Help: "Aggregation queue depth by state.",
		}, []string{"state"}),
		bufferTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_buffer_targets",
			Help: "Collections with live realtime-buffer data.",
		}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_instances",
			Help: "Engine instances with a live heartbeat.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.queueDepth, s.bufferTargets, s.instances)
	}
	return s
}

// InstanceID returns this sampler's heartbeat identity.
func (s *Sampler) InstanceID() string {
	return s.instanceID
}

// Start samples immediately, then on the configured interval until ctx is
// cancelled.
func (s *Sampler) Start(ctx context.Context) error {
	slog.Info("[Stats] Starting",
		"interval", s.cfg.Interval,
		"instance_id", s.instanceID)

	if err := s.Sample(ctx); err != nil {
		slog.Error("[Stats] Initial sample failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sample(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("[Stats] Sample failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("[Stats] Stopping (context cancelled)")
			return nil
		}
	}
}

// Sample records one heartbeat, gathers the current depths and publishes
// the snapshot. Exported for manual sweeps and tests.
func (s *Sampler) Sample(ctx context.Context) error {
	now := s.now()

	instances, err := s.heartbeat(ctx, now)
	if err != nil {
		return err
	}

	snap := Snapshot{
		InstanceID: s.instanceID,
		SampledAt:  now,
		Instances:  instances,
	}

	if snap.Queue, err = s.queue.Depths(ctx); err != nil {
		return fmt.Errorf("stats: queue depths: %w", err)
	}

	if s.buffer != nil {
		targets, err := s.buffer.Targets(ctx)
		if err != nil {
			return fmt.Errorf("stats: buffer targets: %w", err)
		}
		snap.BufferTargets = int64(len(targets))
	}

	if s.db != nil {
		size, err := s.db.DatabaseSize(ctx)
		if err != nil {
			// Size is informational; a slow or failing size query must
			// not suppress the rest of the snapshot.
			slog.Warn("[Stats] Database size unavailable", "error", err)
		} else {
			snap.DatabaseBytes = size
		}
	}

	if err := s.publish(ctx, snap); err != nil {
		return err
	}

	s.queueDepth.WithLabelValues("pending").Set(float64(snap.Queue.Pending))
	s.queueDepth.WithLabelValues("processing").Set(float64(snap.Queue.Processing))
	s.queueDepth.WithLabelValues("delayed").Set(float64(snap.Queue.Delayed))
	s.queueDepth.WithLabelValues("dead_letter").Set(float64(snap.Queue.DeadLetter))
	s.bufferTargets.Set(float64(snap.BufferTargets))
	s.instances.Set(float64(snap.Instances))
	return nil
}

// heartbeat registers this instance in the heartbeat set, prunes entries
// older than the window and returns the live count.
func (s *Sampler) heartbeat(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.HeartbeatWindow)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, instancesKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: s.instanceID,
	})
	pipe.ZRemRangeByScore(ctx, instancesKey, "-inf",
		strconv.FormatInt(cutoff.UnixMilli(), 10))
	card := pipe.ZCard(ctx, instancesKey)
	pipe.Expire(ctx, instancesKey, s.cfg.HeartbeatWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("stats: heartbeat: %w", err)
	}
	return card.Val(), nil
}

func (s *Sampler) publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("stats: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, s.cfg.HeartbeatWindow).Err(); err != nil {
		return fmt.Errorf("stats: publish snapshot: %w", err)
	}
	return nil
}

// GetStats reads the most recently published snapshot. Any instance's
// snapshot serves; they converge within one interval.
func GetStats(ctx context.Context, client *redis.Client) (*Snapshot, error) {
	data, err := client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("stats: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("stats: decode snapshot: %w", err)
	}
	return &snap, nil
}
