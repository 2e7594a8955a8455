package jobqueue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultKeyPrefix   = "formsync:sync"
	defaultAttempts    = 1
	defaultBackoffBase = 2 * time.Second
	dedupTTL           = 24 * time.Hour
	promoteBatchSize   = 128
)

// RedisQueue keeps jobs in four structures under one key prefix: a waiting
// list, an active list, a delayed sorted set scored by ready-at millis, and
// per-job dedup keys that make enqueue idempotent.
type RedisQueue struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
	closer func() error
}

func NewRedisQueue(rdb redis.Cmdable, prefix string) *RedisQueue {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	q := &RedisQueue{rdb: rdb, prefix: prefix, now: time.Now}
	if c, ok := rdb.(interface{ Close() error }); ok {
		q.closer = c.Close
	}
	return q
}

func (q *RedisQueue) waitingKey() string { return q.prefix + ":waiting" }
func (q *RedisQueue) activeKey() string  { return q.prefix + ":active" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) failedKey() string  { return q.prefix + ":failed" }
func (q *RedisQueue) dedupKey(jobID string) string {
	return q.prefix + ":dedup:" + jobID
}

// Enqueue schedules a job, deduplicated on job id: a second enqueue of a
// still-live id reports (false, nil) without touching the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (bool, error) {
	if strings.TrimSpace(job.ID) == "" {
		return false, errors.New("job id is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = opts.Attempts
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultAttempts
	}
	if job.BackoffBaseMs <= 0 {
		base := opts.BackoffBase
		if base <= 0 {
			base = defaultBackoffBase
		}
		job.BackoffBaseMs = base.Milliseconds()
	}
	job.EnqueuedAtMs = q.now().UnixMilli()

	claimed, err := q.rdb.SetNX(ctx, q.dedupKey(job.ID), "1", dedupTTL).Result()
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	payload, err := msgpack.Marshal(&job)
	if err != nil {
		q.releaseDedup(ctx, job.ID)
		return false, err
	}
	if opts.Delay > 0 {
		readyAt := float64(q.now().Add(opts.Delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
			q.releaseDedup(ctx, job.ID)
			return false, err
		}
		return true, nil
	}
	if err := q.rdb.LPush(ctx, q.waitingKey(), payload).Err(); err != nil {
		q.releaseDedup(ctx, job.ID)
		return false, err
	}
	return true, nil
}

// releaseDedup undoes the SetNX claim when the job never made it onto a
// queue structure. Best effort: if the Del itself fails the claim expires
// with its TTL.
func (q *RedisQueue) releaseDedup(ctx context.Context, jobID string) {
	_ = q.rdb.Del(ctx, q.dedupKey(jobID)).Err()
}

// Dequeue moves the oldest waiting job to the active list. ok is false when
// the waiting list is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, bool, error) {
	payload, err := q.rdb.RPopLPush(ctx, q.waitingKey(), q.activeKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var job Job
	if err := msgpack.Unmarshal(payload, &job); err != nil {
		// Poison payload: drop it from active so it cannot wedge a worker.
		_ = q.rdb.LRem(ctx, q.activeKey(), 1, payload).Err()
		return Job{}, false, err
	}
	job.raw = payload
	return job, true, nil
}

// Complete removes a finished job from the active list and releases its
// dedup claim so the submission can be re-enqueued later if needed.
func (q *RedisQueue) Complete(ctx context.Context, job Job) error {
	if len(job.raw) > 0 {
		if err := q.rdb.LRem(ctx, q.activeKey(), 1, job.raw).Err(); err != nil {
			return err
		}
	}
	return q.rdb.Del(ctx, q.dedupKey(job.ID)).Err()
}

// Retry re-schedules a failed job into the delayed set with the attempt
// counter advanced. The dedup claim stays: the job is still live. The job is
// added to the delayed set before it leaves the active list, so a failure
// between the two steps leaves a stale active entry rather than losing the
// job while its dedup claim is still held.
func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	raw := job.raw
	job.Attempt++
	payload, err := msgpack.Marshal(&job)
	if err != nil {
		return err
	}
	readyAt := float64(q.now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := q.rdb.LRem(ctx, q.activeKey(), 1, raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Kill dead-letters a job after its final failure.
func (q *RedisQueue) Kill(ctx context.Context, job Job) error {
	if len(job.raw) > 0 {
		if err := q.rdb.LRem(ctx, q.activeKey(), 1, job.raw).Err(); err != nil {
			return err
		}
	}
	job.Attempt++
	payload, err := msgpack.Marshal(&job)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.failedKey(), payload).Err(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, q.dedupKey(job.ID)).Err()
}

// PromoteDue moves delayed jobs whose ready-at has passed onto the waiting
// list. ZRem is the claim: under concurrent promoters each member moves once.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   nowMs,
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.waitingKey(), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Counts samples per-state backlog sizes in one pipeline round trip.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *RedisQueue) Close() error {
	if q.closer == nil {
		return nil
	}
	return q.closer()
}

