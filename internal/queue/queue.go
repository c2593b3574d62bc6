package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// backoffBase is the delay after the first failure; each further failure
	// doubles it.
	backoffBase = 250 * time.Millisecond

	// DefaultMaxAttempts is the retry ceiling before a job moves to the
	// dead-letter list.
	DefaultMaxAttempts = 15

	attemptsSeparator = "::"
)

// ErrEmpty is returned by Fetch when the pending list has no jobs.
var ErrEmpty = errors.New("queue is empty")

// Job is one unit of work: an opaque body (an event id in the aggregation
// pipeline) plus how many times it has already failed.
type Job struct {
	Body     string
	Attempts int
}

// Encode renders the job as a list payload. The attempts counter rides
// inside the payload as a "::N" suffix so a crashed worker loses nothing:
// the payload in the processing list still carries its own history.
func (j Job) Encode() string {
	if j.Attempts == 0 {
		return j.Body
	}
	return j.Body + attemptsSeparator + strconv.Itoa(j.Attempts)
}

// ParseJob splits a list payload back into body and attempts. A payload
// without a suffix, or with a malformed one, counts as zero attempts; the
// last "::" segment wins so bodies containing "::" survive round trips.
func ParseJob(payload string) Job {
	idx := strings.LastIndex(payload, attemptsSeparator)
	if idx < 0 {
		return Job{Body: payload}
	}
	n, err := strconv.Atoi(payload[idx+len(attemptsSeparator):])
	if err != nil || n < 0 {
		return Job{Body: payload}
	}
	return Job{Body: payload[:idx], Attempts: n}
}

// Backoff returns the delay before attempt n (1-based) is retried.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return backoffBase * (1 << (attempts - 1))
}

// Depths is a point-in-time census of the queue's four structures.
type Depths struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
}

// ReliableQueue is an at-least-once work queue over Redis lists. Fetch moves
// a job atomically from pending to processing, so a worker crash strands the
// job in processing rather than losing it; RecoverStale drains processing
// back to pending on startup. Failed jobs wait in a delayed sorted set until
// their backoff expires, then a ticker moves them back to pending.
type ReliableQueue struct {
	client      *redis.Client
	name        string
	maxAttempts int

	pendingKey    string
	processingKey string
	delayedKey    string
	deadLetterKey string
}

// New creates a queue named name. All four Redis keys derive from the name,
// so distinct queues never interleave.
func New(client *redis.Client, name string, maxAttempts int) *ReliableQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	prefix := "strata:queue:" + name
	return &ReliableQueue{
		client:        client,
		name:          name,
		maxAttempts:   maxAttempts,
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		delayedKey:    prefix + ":delayed",
		deadLetterKey: prefix + ":dead",
	}
}

// Name returns the queue's configured name.
func (q *ReliableQueue) Name() string {
	return q.name
}

// Push enqueues a fresh job body.
func (q *ReliableQueue) Push(ctx context.Context, body string) error {
	if err := q.client.LPush(ctx, q.pendingKey, Job{Body: body}.Encode()).Err(); err != nil {
		return fmt.Errorf("queue %s: push: %w", q.name, err)
	}
	return nil
}

// Fetch atomically moves the oldest pending job into the processing list and
// returns it. Returns ErrEmpty when there is nothing to do.
func (q *ReliableQueue) Fetch(ctx context.Context) (Job, error) {
	payload, err := q.client.RPopLPush(ctx, q.pendingKey, q.processingKey).Result()
	if err == redis.Nil {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue %s: fetch: %w", q.name, err)
	}
	return ParseJob(payload), nil
}

// Acknowledge removes a completed job from the processing list. The exact
// payload (body plus attempts suffix) must match what Fetch returned.
func (q *ReliableQueue) Acknowledge(ctx context.Context, job Job) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, job.Encode()).Err(); err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, err)
	}
	return nil
}

// Fail removes the job from processing and reschedules it with one more
// attempt on its counter, delayed by exponential backoff. Past the retry
// ceiling the job lands on the dead-letter list instead.
func (q *ReliableQueue) Fail(ctx context.Context, job Job) error {
	failed := Job{Body: job.Body, Attempts: job.Attempts + 1}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.Encode())
	if failed.Attempts >= q.maxAttempts {
		// The payload moves to the dead-letter list exactly as it last
		// ran, attempts suffix included.
		pipe.LPush(ctx, q.deadLetterKey, job.Encode())
	} else {
		due := time.Now().Add(Backoff(failed.Attempts))
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: failed.Encode(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: fail: %w", q.name, err)
	}

	if failed.Attempts >= q.maxAttempts {
		slog.Warn("[Queue] Job moved to dead letter",
			"queue", q.name,
			"body", failed.Body,
			"attempts", failed.Attempts)
	} else {
		slog.Debug("[Queue] Job rescheduled",
			"queue", q.name,
			"body", failed.Body,
			"attempts", failed.Attempts,
			"backoff", Backoff(failed.Attempts))
	}
	return nil
}

// RequeueDelayed moves every delayed job whose backoff has expired back to
// the pending list. Called on a ticker by the worker.
func (q *ReliableQueue) RequeueDelayed(ctx context.Context, now time.Time) (int, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	payloads, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: requeue delayed: %w", q.name, err)
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, payload := range payloads {
		pipe.ZRem(ctx, q.delayedKey, payload)
		pipe.LPush(ctx, q.pendingKey, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue %s: requeue delayed: %w", q.name, err)
	}

	slog.Debug("[Queue] Requeued delayed jobs", "queue", q.name, "count", len(payloads))
	return len(payloads), nil
}

// RecoverStale drains the processing list back to pending. Run once at
// startup before workers begin: anything still in processing belonged to a
// crashed worker of a previous generation.
func (q *ReliableQueue) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processingKey, q.pendingKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("queue %s: recover stale: %w", q.name, err)
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("[Queue] Recovered stale jobs", "queue", q.name, "count", recovered)
	}
	return recovered, nil
}

// DeadLetters pages through the dead-letter list without consuming it.
func (q *ReliableQueue) DeadLetters(ctx context.Context, offset, count int64) ([]Job, error) {
	payloads, err := q.client.LRange(ctx, q.deadLetterKey, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: dead letters: %w", q.name, err)
	}
	jobs := make([]Job, 0, len(payloads))
	for _, p := range payloads {
		jobs = append(jobs, ParseJob(p))
	}
	return jobs, nil
}

// Depths reports the size of each queue structure in one pipeline.
func (q *ReliableQueue) Depths(ctx context.Context) (Depths, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	processing := pipe.LLen(ctx, q.processingKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.deadLetterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, fmt.Errorf("queue %s: depths: %w", q.name, err)
	}
	return Depths{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		DeadLetter: dead.Val(),
	}, nil
}
