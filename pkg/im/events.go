package im

import (
	"sync"
	"time"

	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/timer"
)

// DefaultEventBufferSize bounds the in-memory event history.
const DefaultEventBufferSize = 128

// EventRecord is one emitted event with its node-wide sequence number.
type EventRecord struct {
	Path      protocol.EventPath
	Number    protocol.EventNumber
	Timestamp time.Time
	Data      any
}

// EventManager assigns monotonic event numbers, keeps a bounded history
// for read and subscription seeding, and notifies listeners of new
// events.
type EventManager struct {
	clock timer.Service

	mu        sync.Mutex
	next      protocol.EventNumber
	buffer    []*EventRecord
	capacity  int
	listeners map[int]func(*EventRecord)
	nextToken int
}

// NewEventManager creates an event manager with the given history
// capacity (0 selects the default).
func NewEventManager(clock timer.Service, capacity int) *EventManager {
	if clock == nil {
		clock = timer.NewClock()
	}
	if capacity <= 0 {
		capacity = DefaultEventBufferSize
	}
	return &EventManager{
		clock:     clock,
		next:      1,
		capacity:  capacity,
		listeners: make(map[int]func(*EventRecord)),
	}
}

// Emit records an event and notifies listeners. The assigned number is
// strictly increasing across all events on the node.
func (m *EventManager) Emit(path protocol.EventPath, data any) *EventRecord {
	m.mu.Lock()
	rec := &EventRecord{
		Path:      path,
		Number:    m.next,
		Timestamp: m.clock.Now(),
		Data:      data,
	}
	m.next++
	m.buffer = append(m.buffer, rec)
	if len(m.buffer) > m.capacity {
		m.buffer = m.buffer[len(m.buffer)-m.capacity:]
	}
	listeners := make([]func(*EventRecord), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(rec)
	}
	return rec
}

// LastNumber returns the highest event number assigned so far, zero
// when no event has been emitted.
func (m *EventManager) LastNumber() protocol.EventNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next - 1
}

// EventsSince returns buffered events with numbers strictly greater
// than after, filtered by paths (nil matches everything), in emission
// order.
func (m *EventManager) EventsSince(after protocol.EventNumber, paths []protocol.EventPath) []*EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EventRecord
	for _, rec := range m.buffer {
		if rec.Number <= after {
			continue
		}
		if len(paths) > 0 && !matchesAnyEventPath(paths, rec.Path) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// AddListener registers a new-event listener and returns its removal
// function.
func (m *EventManager) AddListener(l func(*EventRecord)) func() {
	m.mu.Lock()
	token := m.nextToken
	m.nextToken++
	m.listeners[token] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, token)
		m.mu.Unlock()
	}
}

func matchesAnyEventPath(paths []protocol.EventPath, concrete protocol.EventPath) bool {
	for _, p := range paths {
		if p.Matches(concrete) {
			return true
		}
	}
	return false
}
