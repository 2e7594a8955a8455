package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("jobqueue")

// PressureLevel classifies queue backlog against configured watermarks.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

const defaultPressureWindow = 500 * time.Millisecond

// CountsSource is the slice of Queue the monitor needs.
type CountsSource interface {
	Counts(ctx context.Context) (Counts, error)
}

// Snapshot is one pressure observation. Backlog is waiting+active+delayed,
// the population competing for worker time.
type Snapshot struct {
	Level   PressureLevel
	Backlog int64
	Waiting int64
	Active  int64
	Delayed int64
}

// MonitorOptions configures a pressure Monitor. Zero values fall back to the
// defaults applied by NewMonitor.
type MonitorOptions struct {
	HighWatermark     int64
	CriticalWatermark int64
	// Window bounds how stale a cached snapshot may be before the queue is
	// sampled again. Default 500ms.
	Window time.Duration
}

// Monitor samples queue depth and classifies it, caching the result for a
// short window so admission checks on the hot path stay cheap.
type Monitor struct {
	source   CountsSource
	high     int64
	critical int64
	window   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    Snapshot
	sampledAt time.Time
}

func NewMonitor(source CountsSource, opts MonitorOptions) *Monitor {
	if opts.HighWatermark <= 0 {
		opts.HighWatermark = 100
	}
	if opts.CriticalWatermark <= 0 {
		opts.CriticalWatermark = 500
	}
	if opts.CriticalWatermark < opts.HighWatermark {
		opts.CriticalWatermark = opts.HighWatermark
	}
	if opts.Window <= 0 {
		opts.Window = defaultPressureWindow
	}
	return &Monitor{
		source:   source,
		high:     opts.HighWatermark,
		critical: opts.CriticalWatermark,
		window:   opts.Window,
		now:      time.Now,
	}
}

// Classify maps a backlog size onto a pressure level. Watermarks are
// inclusive: backlog equal to a watermark is already at that level.
func (m *Monitor) Classify(backlog int64) PressureLevel {
	switch {
	case backlog >= m.critical:
		return PressureCritical
	case backlog >= m.high:
		return PressureHigh
	default:
		return PressureNormal
	}
}

// Sample returns the current pressure snapshot, reusing the cached one while
// it is inside the window. A sampling failure degrades to a synthetic normal
// snapshot so intake never blocks on queue introspection.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sampledAt.IsZero() && m.now().Sub(m.sampledAt) < m.window {
		return m.cached
	}
	counts, err := m.source.Counts(ctx)
	if err != nil {
		log.Warningf("queue pressure sampling failed, assuming normal: %v", err)
		m.cached = Snapshot{Level: PressureNormal}
		m.sampledAt = m.now()
		return m.cached
	}
	backlog := counts.Waiting + counts.Active + counts.Delayed
	m.cached = Snapshot{
		Level:   m.Classify(backlog),
		Backlog: backlog,
		Waiting: counts.Waiting,
		Active:  counts.Active,
		Delayed: counts.Delayed,
	}
	m.sampledAt = m.now()
	return m.cached
}
