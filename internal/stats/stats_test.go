package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/queue"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestSample_PublishesSnapshot(t *testing.T) {
	client := newClient(t)
	q := queue.New(client, "events", 0)
	buf := buffer.New(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "src-1/1"))
	require.NoError(t, q.Push(ctx, "src-1/2"))
	require.NoError(t, buf.Add(ctx, "revenue_hourly", []buffer.Entry{
		buffer.FromDelta(metrics.Delta{
			Key: metrics.Key{
				SourceID:         "src-1",
				EventType:        "payment",
				Timestamp:        time.Now().UTC(),
				Granularity:      metrics.GranHour,
				AttributionType:  metrics.TotalAttribution,
				AttributionValue: metrics.TotalAttribution,
				AggregationType:  metrics.AggCount,
			},
			Increment: decimal.NewFromInt(1),
		}),
	}))

	s := New(client, q, buf, nil, Config{}, nil)
	require.NoError(t, s.Sample(ctx))

	snap, err := GetStats(ctx, client)
	require.NoError(t, err)
	require.Equal(t, s.InstanceID(), snap.InstanceID)
	require.EqualValues(t, 2, snap.Queue.Pending)
	require.EqualValues(t, 1, snap.BufferTargets)
	require.EqualValues(t, 1, snap.Instances)
	require.Zero(t, snap.DatabaseBytes)
}

func TestHeartbeat_CountsLiveInstances(t *testing.T) {
	client := newClient(t)
	q := queue.New(client, "events", 0)
	ctx := context.Background()

	a := New(client, q, nil, nil, Config{}, nil)
	b := New(client, q, nil, nil, Config{}, nil)
	require.NoError(t, a.Sample(ctx))
	require.NoError(t, b.Sample(ctx))

	snap, err := GetStats(ctx, client)
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Instances)
}

func TestHeartbeat_PrunesSilentInstances(t *testing.T) {
	client := newClient(t)
	q := queue.New(client, "events", 0)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	stale := New(client, q, nil, nil, Config{}, nil)
	stale.now = func() time.Time { return base }
	require.NoError(t, stale.Sample(ctx))

	live := New(client, q, nil, nil, Config{}, nil)
	live.now = func() time.Time { return base.Add(5 * time.Minute) }
	require.NoError(t, live.Sample(ctx))

	snap, err := GetStats(ctx, client)
	require.NoError(t, err)
	require.EqualValues(t, 1, snap.Instances)
	require.Equal(t, live.InstanceID(), snap.InstanceID)
}

func TestGetStats_NoSnapshot(t *testing.T) {
	client := newClient(t)
	_, err := GetStats(context.Background(), client)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

type fixedSize int64

func (f fixedSize) DatabaseSize(ctx context.Context) (int64, error) {
	return int64(f), nil
}

func TestSample_IncludesDatabaseSize(t *testing.T) {
	client := newClient(t)
	q := queue.New(client, "events", 0)
	ctx := context.Background()

	s := New(client, q, nil, fixedSize(4096), Config{}, nil)
	require.NoError(t, s.Sample(ctx))

	snap, err := GetStats(ctx, client)
	require.NoError(t, err)
	require.EqualValues(t, 4096, snap.DatabaseBytes)
}
