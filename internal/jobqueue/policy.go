package jobqueue

import (
	"math/rand"
	"time"
)

const (
	minHighEnqueueDelay     = 50 * time.Millisecond
	minCriticalEnqueueDelay = 200 * time.Millisecond

	defaultHighMultiplier     = 1.5
	defaultCriticalMultiplier = 2.5
)

// PolicyOptions configures the backpressure policy. Zero values take the
// defaults applied by NewPolicy; configured values below the per-level floors
// are raised to the floor.
type PolicyOptions struct {
	EnqueueDelayHigh     time.Duration
	EnqueueDelayCritical time.Duration

	BackoffMultiplierHigh     float64
	BackoffMultiplierCritical float64
}

// Policy turns a pressure level into admission and retry decisions: how long
// to defer a fresh job, and how much to stretch retry backoff.
type Policy struct {
	delayHigh     time.Duration
	delayCritical time.Duration
	multHigh      float64
	multCritical  float64
	jitter        func(time.Duration) time.Duration
}

func NewPolicy(opts PolicyOptions) *Policy {
	if opts.EnqueueDelayHigh < minHighEnqueueDelay {
		opts.EnqueueDelayHigh = minHighEnqueueDelay
	}
	if opts.EnqueueDelayCritical < minCriticalEnqueueDelay {
		opts.EnqueueDelayCritical = minCriticalEnqueueDelay
	}
	if opts.BackoffMultiplierHigh == 0 {
		opts.BackoffMultiplierHigh = defaultHighMultiplier
	}
	if opts.BackoffMultiplierCritical == 0 {
		opts.BackoffMultiplierCritical = defaultCriticalMultiplier
	}
	if opts.BackoffMultiplierHigh < 1 {
		opts.BackoffMultiplierHigh = 1
	}
	if opts.BackoffMultiplierCritical < 1 {
		opts.BackoffMultiplierCritical = 1
	}
	return &Policy{
		delayHigh:     opts.EnqueueDelayHigh,
		delayCritical: opts.EnqueueDelayCritical,
		multHigh:      opts.BackoffMultiplierHigh,
		multCritical:  opts.BackoffMultiplierCritical,
		jitter: func(base time.Duration) time.Duration {
			if base <= 1 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(base / 2)))
		},
	}
}

// EnqueueDelay returns how long a newly accepted job should be deferred.
// Under pressure the base delay gets jitter of up to half the base added, so
// deferred jobs do not all become due in the same instant.
func (p *Policy) EnqueueDelay(level PressureLevel) time.Duration {
	var base time.Duration
	switch level {
	case PressureCritical:
		base = p.delayCritical
	case PressureHigh:
		base = p.delayHigh
	default:
		return 0
	}
	return base + p.jitter(base)
}

// RetryBackoffMultiplier stretches retry delays under pressure. Never below 1.
func (p *Policy) RetryBackoffMultiplier(level PressureLevel) float64 {
	switch level {
	case PressureCritical:
		return p.multCritical
	case PressureHigh:
		return p.multHigh
	default:
		return 1
	}
}
