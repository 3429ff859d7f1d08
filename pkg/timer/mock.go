package timer

import (
	"sort"
	"sync"
	"time"
)

// Mock is a deterministic Service for tests. Time only moves when Advance
// is called; due timers fire synchronously on the advancing goroutine, in
// deadline order.
type Mock struct {
	now    time.Time
	timers []*mockTimer
	mu     sync.Mutex
}

// NewMock creates a mock timer service starting at an arbitrary fixed time.
func NewMock() *Mock {
	return &Mock{now: time.Unix(1_700_000_000, 0)}
}

// Now implements Service.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule implements Service.
func (m *Mock) Schedule(interval time.Duration, periodic bool, callback func()) Handle {
	return &mockTimer{
		service:  m,
		interval: interval,
		periodic: periodic,
		callback: callback,
	}
}

// Advance moves the mock clock forward by d, firing every timer whose
// deadline is reached, in order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)

	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}

		m.now = next.deadline
		if next.periodic {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.running = false
		}
		cb := next.callback
		m.mu.Unlock()

		cb()

		m.mu.Lock()
	}

	m.now = target
	m.mu.Unlock()
}

// nextDueLocked returns the armed timer with the earliest deadline <= target.
func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	for _, t := range m.timers {
		if t.running && !t.deadline.After(target) {
			return t
		}
	}
	return nil
}

func (m *Mock) add(t *mockTimer) {
	for _, existing := range m.timers {
		if existing == t {
			return
		}
	}
	m.timers = append(m.timers, t)
}

type mockTimer struct {
	service  *Mock
	interval time.Duration
	periodic bool
	callback func()

	deadline time.Time
	running  bool
}

func (t *mockTimer) Start() {
	t.service.mu.Lock()
	defer t.service.mu.Unlock()

	t.deadline = t.service.now.Add(t.interval)
	t.running = true
	t.service.add(t)
}

func (t *mockTimer) Stop() {
	t.service.mu.Lock()
	defer t.service.mu.Unlock()
	t.running = false
}

func (t *mockTimer) IsRunning() bool {
	t.service.mu.Lock()
	defer t.service.mu.Unlock()
	return t.running
}
