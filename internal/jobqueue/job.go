// Package jobqueue implements the Redis-backed submission sync queue:
// idempotent enqueue, delayed scheduling, a worker pool, and the
// queue-pressure monitoring that drives backpressure decisions.
package jobqueue

import (
	"context"
	"time"
)

// Job is the sync job envelope carried on the queue. Attempt counts finished
// executions; a freshly enqueued job has Attempt 0.
type Job struct {
	ID            string `msgpack:"id"`
	SubmissionID  string `msgpack:"submission_id"`
	TraceID       string `msgpack:"trace_id"`
	Attempt       int    `msgpack:"attempt"`
	MaxAttempts   int    `msgpack:"max_attempts"`
	BackoffBaseMs int64  `msgpack:"backoff_base_ms"`
	EnqueuedAtMs  int64  `msgpack:"enqueued_at_ms"`

	// Raw queue payload, kept so completion can remove the exact bytes from
	// the active list. Not serialized.
	raw []byte `msgpack:"-"`
}

// Counts is a point-in-time view of the queue's per-state backlog.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

type EnqueueOptions struct {
	// Delay postpones the job's first execution (backpressure shedding).
	Delay time.Duration
	// Attempts is the job's total execution budget; default 1.
	Attempts int
	// BackoffBase seeds the exponential retry delay; default 2s.
	BackoffBase time.Duration
}

// Queue is the job-queue contract shared by the Redis and in-memory
// implementations. Enqueue reports false when the job id was already queued;
// re-enqueueing the same id is a no-op, not an error.
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (bool, error)
	Dequeue(ctx context.Context) (Job, bool, error)
	Complete(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job, delay time.Duration) error
	Kill(ctx context.Context, job Job) error
	PromoteDue(ctx context.Context) (int, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
