package jobqueue

import (
	"context"
	"sync"
	"time"
)

const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultPromoteInterval = 500 * time.Millisecond
	defaultBackoffMax      = 5 * time.Minute
)

// Handler executes one job. A nil return completes the job; an error either
// re-schedules it or dead-letters it depending on the classifier and the
// remaining attempt budget.
type Handler func(ctx context.Context, job Job) error

// RetryClassifier reports whether an error is worth another attempt.
type RetryClassifier func(err error) bool

// WorkerOptions configures a worker pool. Zero values take defaults.
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	PromoteInterval time.Duration
	// BackoffMax caps the exponential retry delay. Default 5m.
	BackoffMax time.Duration
	// Classify decides retryability; nil retries every error.
	Classify RetryClassifier
	// Multiplier stretches retry delays, sampled per failure. Nil means 1.
	Multiplier func() float64
}

// Worker consumes jobs from a Queue with a fixed-size goroutine pool and a
// promoter loop that moves due delayed jobs back onto the waiting list.
type Worker struct {
	queue   Queue
	handler Handler
	opts    WorkerOptions

	wg sync.WaitGroup
}

func NewWorker(queue Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = defaultPromoteInterval
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	return &Worker{queue: queue, handler: handler, opts: opts}
}

// Run starts the promoter and consumer loops and blocks until ctx is
// cancelled and every loop has drained.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop(ctx)
	}()
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	w.wg.Wait()
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			log.Warningf("promoting delayed jobs failed: %v", err)
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		job, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warningf("dequeue failed: %v", err)
			}
			waitWithContext(ctx, w.opts.PollInterval)
			continue
		}
		if !ok {
			waitWithContext(ctx, w.opts.PollInterval)
			continue
		}
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job Job) {
	err := w.handler(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job); cerr != nil {
			log.Warningf("completing job %s failed: %v", job.ID, cerr)
		}
		return
	}

	retryable := true
	if w.opts.Classify != nil {
		retryable = w.opts.Classify(err)
	}
	if retryable && job.Attempt+1 < job.MaxAttempts {
		delay := w.retryDelay(job)
		log.Warningf("job %s attempt %d/%d failed, retrying in %s: %v",
			job.ID, job.Attempt+1, job.MaxAttempts, delay, err)
		if rerr := w.queue.Retry(ctx, job, delay); rerr != nil {
			log.Errorf("re-scheduling job %s failed: %v", job.ID, rerr)
		}
		return
	}
	log.Errorf("job %s failed terminally after attempt %d/%d: %v",
		job.ID, job.Attempt+1, job.MaxAttempts, err)
	if kerr := w.queue.Kill(ctx, job); kerr != nil {
		log.Errorf("dead-lettering job %s failed: %v", job.ID, kerr)
	}
}

// retryDelay doubles the job's base per finished attempt, caps it, then
// stretches it by the current pressure multiplier.
func (w *Worker) retryDelay(job Job) time.Duration {
	base := time.Duration(job.BackoffBaseMs) * time.Millisecond
	if base <= 0 {
		base = defaultBackoffBase
	}
	delay := base
	for i := 0; i < job.Attempt; i++ {
		delay *= 2
		if delay >= w.opts.BackoffMax {
			delay = w.opts.BackoffMax
			break
		}
	}
	if delay > w.opts.BackoffMax {
		delay = w.opts.BackoffMax
	}
	if w.opts.Multiplier != nil {
		if m := w.opts.Multiplier(); m > 1 {
			delay = time.Duration(float64(delay) * m)
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
