package jobqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type delayedJob struct {
	job     Job
	readyAt time.Time
}

// MemoryQueue is the in-process Queue used by tests and the memory backend
// profile. Semantics mirror RedisQueue: dedup by job id, delayed scheduling,
// dead-lettering after the final attempt.
type MemoryQueue struct {
	mu      sync.Mutex
	waiting []Job
	active  map[string]Job
	delayed []delayedJob
	failed  []Job
	queued  map[string]struct{}
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		active: map[string]Job{},
		queued: map[string]struct{}{},
		now:    time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (bool, error) {
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

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.queued[job.ID]; exists {
		return false, nil
	}
	q.queued[job.ID] = struct{}{}
	if opts.Delay > 0 {
		q.delayed = append(q.delayed, delayedJob{job: job, readyAt: q.now().Add(opts.Delay)})
		return true, nil
	}
	q.waiting = append(q.waiting, job)
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return Job{}, false, nil
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[job.ID] = job
	return job, true, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	delete(q.queued, job.ID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	job.Attempt++
	q.delayed = append(q.delayed, delayedJob{job: job, readyAt: q.now().Add(delay)})
	return nil
}

func (q *MemoryQueue) Kill(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	delete(q.queued, job.ID)
	job.Attempt++
	q.failed = append(q.failed, job)
	return nil
}

func (q *MemoryQueue) PromoteDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	promoted := 0
	remaining := q.delayed[:0]
	for _, entry := range q.delayed {
		if entry.readyAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		q.waiting = append(q.waiting, entry.job)
		promoted++
	}
	q.delayed = remaining
	return promoted, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting: int64(len(q.waiting)),
		Active:  int64(len(q.active)),
		Delayed: int64(len(q.delayed)),
		Failed:  int64(len(q.failed)),
	}, nil
}

func (q *MemoryQueue) Close() error { return nil }

// FailedJobs returns a snapshot of dead-lettered jobs, oldest first.
func (q *MemoryQueue) FailedJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.failed...)
}
