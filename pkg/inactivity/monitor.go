package inactivity

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the quiet period after which a session is considered abandoned.
const DefaultTimeout = 5 * time.Minute

// Timer is the subset of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Monitor fires onIdle once after a quiet period with no recorded activity.
//
// At most one timer is live at any time: arming always stops the previous
// timer first. A timer that was replaced but fired anyway is ignored.
type Monitor struct {
	mu        sync.Mutex
	name      string
	timeout   time.Duration
	onIdle    func()
	canArm    func() bool
	afterFunc AfterFunc

	timer  Timer
	gen    uint64
	closed bool
}

type Option func(*Monitor)

// WithArmCondition gates arming. RecordActivity only arms a new timer while cond returns true.
func WithArmCondition(cond func() bool) Option {
	return func(m *Monitor) {
		m.canArm = cond
	}
}

func WithAfterFunc(f AfterFunc) Option {
	return func(m *Monitor) {
		if f != nil {
			m.afterFunc = f
		}
	}
}

// WithName sets the identifier used in log lines.
func WithName(name string) Option {
	return func(m *Monitor) {
		m.name = name
	}
}

func New(timeout time.Duration, onIdle func(), opts ...Option) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Monitor{
		timeout:   timeout,
		onIdle:    onIdle,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured quiet period.
func (m *Monitor) Timeout() time.Duration {
	if m == nil {
		return 0
	}
	return m.timeout
}

// RecordActivity cancels any pending timer and arms a new one if the arm
// condition allows it.
func (m *Monitor) RecordActivity() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stopLocked()
	if m.onIdle == nil || (m.canArm != nil && !m.canArm()) {
		return
	}
	m.gen++
	gen := m.gen
	m.timer = m.afterFunc(m.timeout, func() { m.fire(gen) })
}

// Disarm cancels any pending timer without rearming. Safe to call repeatedly.
func (m *Monitor) Disarm() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

// Close disarms the monitor for good; later activity is ignored.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopLocked()
	m.closed = true
	m.mu.Unlock()
}

// Armed reports whether a timer is pending.
func (m *Monitor) Armed() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	// invalidates a callback that already started but has not taken the lock yet
	m.gen++
}

func (m *Monitor) fire(gen uint64) {
	var callback func()
	m.mu.Lock()
	if !m.closed && gen == m.gen && m.timer != nil {
		m.timer = nil
		callback = m.onIdle
	}
	m.mu.Unlock()
	if callback == nil {
		return
	}
	log.Debug().Str("component", "inactivity").Str("name", m.name).Dur("timeout", m.timeout).Msg("quiet period elapsed")
	callback()
}
