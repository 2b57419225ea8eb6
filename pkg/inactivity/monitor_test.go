package inactivity

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualClock schedules callbacks against a virtual time that only moves on Advance.
type manualClock struct {
	mu      sync.Mutex
	now     time.Duration
	pending []*manualTimer
}

type manualTimer struct {
	clock    *manualClock
	deadline time.Duration
	f        func()
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, deadline: c.now + d, f: f}
	c.pending = append(c.pending, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	rest := c.pending[:0]
	for _, t := range c.pending {
		switch {
		case t.stopped:
		case t.deadline <= c.now:
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.pending = rest
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func TestMonitor_DebouncesActivity(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	m := New(5*time.Minute, func() { fired.Add(1) }, WithAfterFunc(clock.AfterFunc))

	m.RecordActivity() // t=0
	clock.Advance(10 * time.Second)
	m.RecordActivity() // t=10s
	clock.Advance(10 * time.Second)
	m.RecordActivity() // t=20s
	require.Equal(t, 1, clock.live())

	clock.Advance(299 * time.Second) // t=319s
	require.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second) // t=320s
	require.Equal(t, int32(1), fired.Load())
	require.False(t, m.Armed())

	clock.Advance(time.Hour)
	require.Equal(t, int32(1), fired.Load())
}

func TestMonitor_NeverMoreThanOneLiveTimer(t *testing.T) {
	clock := &manualClock{}
	m := New(time.Minute, func() {}, WithAfterFunc(clock.AfterFunc))

	for i := 0; i < 50; i++ {
		m.RecordActivity()
		require.Equal(t, 1, clock.live())
	}
}

func TestMonitor_ArmConditionBlocksArming(t *testing.T) {
	clock := &manualClock{}
	var allowed atomic.Bool
	allowed.Store(true)
	var fired atomic.Int32
	m := New(time.Minute, func() { fired.Add(1) },
		WithAfterFunc(clock.AfterFunc),
		WithArmCondition(allowed.Load),
	)

	m.RecordActivity()
	require.True(t, m.Armed())

	allowed.Store(false)
	m.RecordActivity()
	require.False(t, m.Armed(), "activity must cancel the old timer even when it cannot rearm")

	clock.Advance(2 * time.Minute)
	require.Equal(t, int32(0), fired.Load())
}

func TestMonitor_DisarmIsIdempotent(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	m := New(time.Minute, func() { fired.Add(1) }, WithAfterFunc(clock.AfterFunc))

	m.Disarm()
	m.RecordActivity()
	m.Disarm()
	m.Disarm()
	require.False(t, m.Armed())

	clock.Advance(2 * time.Minute)
	require.Equal(t, int32(0), fired.Load())
}

func TestMonitor_CloseStopsFutureArming(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	m := New(time.Minute, func() { fired.Add(1) }, WithAfterFunc(clock.AfterFunc))

	m.RecordActivity()
	m.Close()
	m.RecordActivity()
	require.False(t, m.Armed())
	require.Equal(t, 0, clock.live())

	clock.Advance(2 * time.Minute)
	require.Equal(t, int32(0), fired.Load())
}

func TestMonitor_StaleCallbackIsIgnored(t *testing.T) {
	clock := &manualClock{}
	var fired atomic.Int32
	m := New(time.Minute, func() { fired.Add(1) }, WithAfterFunc(clock.AfterFunc))

	m.RecordActivity()
	stale := m.gen
	m.RecordActivity()

	// a replaced timer whose callback was already running when it got stopped
	m.fire(stale)
	require.Equal(t, int32(0), fired.Load())
	require.True(t, m.Armed())
}

func TestMonitor_RealTimerFires(t *testing.T) {
	done := make(chan struct{})
	m := New(20*time.Millisecond, func() { close(done) })
	m.RecordActivity()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity callback did not fire")
	}
	require.False(t, m.Armed())
}

func TestMonitor_NilIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordActivity()
	m.Disarm()
	m.Close()
	require.False(t, m.Armed())
	require.Equal(t, time.Duration(0), m.Timeout())
}
