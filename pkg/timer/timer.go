// Package timer abstracts time and callback scheduling so the session and
// interaction layers never depend on a concrete clock. Production code uses
// the standard clock; tests drive a deterministic mock.
package timer

import (
	"sync"
	"time"
)

// Handle controls a scheduled timer.
type Handle interface {
	// Start (re)arms the timer. Starting a running timer restarts it.
	Start()

	// Stop disarms the timer. The callback will not fire after Stop
	// returns unless Start is called again.
	Stop()

	// IsRunning reports whether the timer is currently armed.
	IsRunning() bool
}

// Service schedules single-shot and periodic callbacks and reports time.
type Service interface {
	// Now returns the current time.
	Now() time.Time

	// Schedule creates a timer that invokes callback after interval
	// (repeatedly if periodic). The returned timer is not started.
	Schedule(interval time.Duration, periodic bool, callback func()) Handle
}

// Clock is the Service backed by the real clock.
type Clock struct{}

// NewClock returns the standard-clock timer service.
func NewClock() *Clock {
	return &Clock{}
}

// Now implements Service.
func (c *Clock) Now() time.Time {
	return time.Now()
}

// Schedule implements Service.
func (c *Clock) Schedule(interval time.Duration, periodic bool, callback func()) Handle {
	return &clockTimer{
		interval: interval,
		periodic: periodic,
		callback: callback,
	}
}

type clockTimer struct {
	interval time.Duration
	periodic bool
	callback func()

	timer   *time.Timer
	running bool
	mu      sync.Mutex
}

func (t *clockTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = true
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *clockTimer) fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	if t.periodic {
		t.timer = time.AfterFunc(t.interval, t.fire)
	} else {
		t.running = false
	}
	cb := t.callback
	t.mu.Unlock()

	cb()
}

func (t *clockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *clockTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
