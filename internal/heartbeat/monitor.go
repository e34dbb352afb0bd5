package heartbeat

import (
	"sync"
	"time"
)

// DefaultInterval is the liveness check interval.
const DefaultInterval = 30 * time.Second

// Verdict is the result of a liveness check.
type Verdict int

const (
	// Alive means activity was observed since the previous check.
	Alive Verdict = iota

	// Dead means the session was silent for a whole interval.
	Dead
)

// String returns the string representation of a Verdict.
func (v Verdict) String() string {
	switch v {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Monitor records last activity and judges liveness on each check.
type Monitor struct {
	interval time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	lastCheck    time.Time
	misses       int
}

// New creates a monitor for the given check interval.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{interval: interval}
}

// Interval returns the check interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Reset starts a fresh observation window, typically when a session opens.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = now
	m.lastCheck = now
	m.misses = 0
}

// Touch records inbound activity at t. Older timestamps are ignored.
func (m *Monitor) Touch(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastActivity) {
		m.lastActivity = t
	}
}

// LastActivity returns the most recent activity timestamp.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Check reports whether any activity happened since the previous check
// and starts a new window at now.
func (m *Monitor) Check(now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.lastActivity.After(m.lastCheck)
	m.lastCheck = now
	if active {
		m.misses = 0
		return Alive
	}
	m.misses++
	return Dead
}

// Misses returns the number of consecutive silent checks.
func (m *Monitor) Misses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses
}
