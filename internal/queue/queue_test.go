package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxAttempts int) (*ReliableQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "events", maxAttempts), mr
}

func TestJobEncodeParse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Job
	}{
		{"no suffix", "12345", Job{Body: "12345"}},
		{"with attempts", "12345::3", Job{Body: "12345", Attempts: 3}},
		{"body containing separator", "a::b::2", Job{Body: "a::b", Attempts: 2}},
		{"malformed suffix stays in body", "12345::x", Job{Body: "12345::x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseJob(tc.payload))
			require.Equal(t, tc.payload, tc.want.Encode())
		})
	}
}

func TestBackoffDoubles(t *testing.T) {
	require.Equal(t, 250*time.Millisecond, Backoff(1))
	require.Equal(t, 500*time.Millisecond, Backoff(2))
	require.Equal(t, 4*time.Second, Backoff(5))
	// attempts below 1 clamp to the base
	require.Equal(t, 250*time.Millisecond, Backoff(0))
}

func TestQueue_PushFetchAcknowledge(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "101"))
	require.NoError(t, q.Push(ctx, "102"))

	// FIFO: first pushed comes out first
	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "101", job.Body)
	require.Zero(t, job.Attempts)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.Pending)
	require.EqualValues(t, 1, depths.Processing)

	require.NoError(t, q.Acknowledge(ctx, job))

	depths, err = q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, depths.Processing)
}

func TestQueue_FetchEmpty(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	_, err := q.Fetch(context.Background())
	require.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_FailSchedulesRetry(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "101"))
	job, err := q.Fetch(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, depths.Processing)
	require.EqualValues(t, 1, depths.Delayed)
	require.EqualValues(t, 0, depths.DeadLetter)

	// not yet due
	moved, err := q.RequeueDelayed(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, moved)

	// past the first backoff the job returns to pending with attempts=1
	moved, err = q.RequeueDelayed(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	job, err = q.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "101", job.Body)
	require.Equal(t, 1, job.Attempts)
}

func TestQueue_FailPastCeilingDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "101"))
	job, err := q.Fetch(ctx)
	require.NoError(t, err)

	// simulate a job fetched with two prior failures
	job.Attempts = 2
	require.NoError(t, q.client.LPush(ctx, q.processingKey, job.Encode()).Err())

	require.NoError(t, q.Fail(ctx, job))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.DeadLetter)
	require.EqualValues(t, 0, depths.Delayed)

	// the payload lands on the dead-letter list exactly as it last ran
	dead, err := q.DeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "101", dead[0].Body)
	require.Equal(t, 2, dead[0].Attempts)
	require.Equal(t, job.Encode(), dead[0].Encode())
}

func TestQueue_RecoverStale(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "101"))
	require.NoError(t, q.Push(ctx, "102"))
	_, err := q.Fetch(ctx)
	require.NoError(t, err)
	_, err = q.Fetch(ctx)
	require.NoError(t, err)

	// both jobs stranded in processing, as after a worker crash
	recovered, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, recovered)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, depths.Pending)
	require.EqualValues(t, 0, depths.Processing)

	// recovery preserves relative order
	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "101", job.Body)
}
