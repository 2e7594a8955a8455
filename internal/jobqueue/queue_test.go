package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "")
}

func testJob(id string) Job {
	return Job{ID: id, SubmissionID: "sub_" + id, TraceID: "trace-" + id}
}

func TestRedisQueueEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	accepted, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.False(t, accepted, "second enqueue of a live id must be a no-op")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting)
}

func TestRedisQueueEnqueueRejectsBlankID(t *testing.T) {
	q := newTestRedisQueue(t)
	_, err := q.Enqueue(context.Background(), Job{ID: "  "}, EnqueueOptions{})
	require.Error(t, err)
}

func TestRedisQueueCompleteReleasesDedupClaim(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{})
	require.NoError(t, err)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, defaultAttempts, job.MaxAttempts)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Active)

	require.NoError(t, q.Complete(ctx, job))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{}, counts)

	accepted, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, accepted, "completed id must be enqueueable again")
}

func TestRedisQueueRetryMovesToDelayedAndPromotes(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Attempts: 3})
	require.NoError(t, err)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Retry(ctx, job, 30*time.Second))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Active)
	require.Equal(t, int64(1), counts.Delayed)

	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Zero(t, promoted, "not yet due")

	q.now = func() time.Time { return time.Now().Add(time.Minute) }
	promoted, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, job.Attempt, "retry must advance the attempt counter")
	require.Equal(t, 3, job.MaxAttempts)
}

func TestRedisQueueKillDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{})
	require.NoError(t, err)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Kill(ctx, job))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Active)
	require.Equal(t, int64(1), counts.Failed)

	accepted, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{})
	require.NoError(t, err)
	require.True(t, accepted, "dead-lettered id must be enqueueable again")
}

func TestRedisQueueDelayedEnqueue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	accepted, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Delay: 200 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, accepted)

	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok, "delayed job must not be immediately dequeueable")

	q.now = func() time.Time { return time.Now().Add(time.Second) }
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j1", job.ID)
}

func TestRedisQueueEnqueueReleasesDedupOnPushFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "")
	fixed := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return fixed }

	queued := testJob("j1")
	queued.MaxAttempts = defaultAttempts
	queued.BackoffBaseMs = defaultBackoffBase.Milliseconds()
	queued.EnqueuedAtMs = fixed.UnixMilli()
	payload, err := msgpack.Marshal(&queued)
	require.NoError(t, err)

	mock.ExpectSetNX("formsync:sync:dedup:j1", "1", dedupTTL).SetVal(true)
	mock.ExpectLPush("formsync:sync:waiting", payload).SetErr(errors.New("connection reset"))
	mock.ExpectDel("formsync:sync:dedup:j1").SetVal(1)

	_, err = q.Enqueue(context.Background(), testJob("j1"), EnqueueOptions{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet(),
		"a failed push must release the dedup claim so the job can be enqueued again")
}

func TestRedisQueueRetrySchedulesBeforeLeavingActive(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "")
	fixed := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return fixed }

	active := testJob("j1")
	active.MaxAttempts = 3
	active.BackoffBaseMs = defaultBackoffBase.Milliseconds()
	active.EnqueuedAtMs = fixed.UnixMilli()
	raw, err := msgpack.Marshal(&active)
	require.NoError(t, err)
	active.raw = raw

	retried := active
	retried.Attempt = 1
	payload, err := msgpack.Marshal(&retried)
	require.NoError(t, err)

	// Expectations are matched in order: the delayed entry must exist before
	// the active one is removed, so a crash in between duplicates instead of
	// losing the job.
	delay := 30 * time.Second
	readyAt := float64(fixed.Add(delay).UnixMilli())
	mock.ExpectZAdd("formsync:sync:delayed", &redis.Z{Score: readyAt, Member: payload}).SetVal(1)
	mock.ExpectLRem("formsync:sync:active", 1, raw).SetVal(1)

	require.NoError(t, q.Retry(context.Background(), active, delay))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	accepted, err := q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = q.Enqueue(ctx, testJob("j1"), EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.False(t, accepted)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Retry(ctx, job, time.Minute))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Delayed)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, job.Attempt)

	require.NoError(t, q.Kill(ctx, job))
	require.Len(t, q.FailedJobs(), 1)
	require.Equal(t, 2, q.FailedJobs()[0].Attempt)
}
