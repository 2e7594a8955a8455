package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"
)

type staticCounts struct {
	counts Counts
	err    error
	calls  int
}

func (s *staticCounts) Counts(ctx context.Context) (Counts, error) {
	s.calls++
	return s.counts, s.err
}

func TestMonitorClassifyWatermarksInclusive(t *testing.T) {
	m := NewMonitor(&staticCounts{}, MonitorOptions{HighWatermark: 100, CriticalWatermark: 500})

	require.Equal(t, PressureNormal, m.Classify(0))
	require.Equal(t, PressureNormal, m.Classify(99))
	require.Equal(t, PressureHigh, m.Classify(100))
	require.Equal(t, PressureHigh, m.Classify(499))
	require.Equal(t, PressureCritical, m.Classify(500))
	require.Equal(t, PressureCritical, m.Classify(10_000))
}

func TestMonitorSampleAggregatesBacklog(t *testing.T) {
	src := &staticCounts{counts: Counts{Waiting: 60, Active: 30, Delayed: 20, Failed: 999}}
	m := NewMonitor(src, MonitorOptions{HighWatermark: 100, CriticalWatermark: 500})

	snap := m.Sample(context.Background())
	require.Equal(t, int64(110), snap.Backlog, "failed jobs must not count toward backlog")
	require.Equal(t, PressureHigh, snap.Level)
}

func TestMonitorCachesWithinWindow(t *testing.T) {
	src := &staticCounts{counts: Counts{Waiting: 1}}
	m := NewMonitor(src, MonitorOptions{Window: 500 * time.Millisecond})

	base := time.Now()
	m.now = func() time.Time { return base }

	m.Sample(context.Background())
	m.Sample(context.Background())
	require.Equal(t, 1, src.calls, "second sample inside the window must reuse the cache")

	m.now = func() time.Time { return base.Add(501 * time.Millisecond) }
	m.Sample(context.Background())
	require.Equal(t, 2, src.calls, "expired window must trigger a fresh sample")
}

func TestMonitorSamplingFailureDegradesToNormal(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectLLen("formsync:sync:waiting").SetErr(errors.New("connection refused"))
	mock.ExpectLLen("formsync:sync:active").SetErr(errors.New("connection refused"))
	mock.ExpectZCard("formsync:sync:delayed").SetErr(errors.New("connection refused"))
	mock.ExpectLLen("formsync:sync:failed").SetErr(errors.New("connection refused"))

	q := NewRedisQueue(db, "")
	m := NewMonitor(q, MonitorOptions{})

	snap := m.Sample(context.Background())
	require.Equal(t, PressureNormal, snap.Level)
	require.Zero(t, snap.Backlog)
	require.Zero(t, snap.Waiting)
	require.Zero(t, snap.Active)
	require.Zero(t, snap.Delayed)
}

func TestMonitorFailureSnapshotIsCachedToo(t *testing.T) {
	src := &staticCounts{err: errors.New("redis down")}
	m := NewMonitor(src, MonitorOptions{})

	base := time.Now()
	m.now = func() time.Time { return base }

	m.Sample(context.Background())
	m.Sample(context.Background())
	require.Equal(t, 1, src.calls, "a failed sample must not be retried inside the window")
}
