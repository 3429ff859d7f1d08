package transport

import (
	"sync"

	"github.com/pion/logging"
)

// MaxPayloadSize is the largest payload a channel must accept.
const MaxPayloadSize = 1280

// Inbound is a payload delivered by a channel, tagged with its origin.
type Inbound struct {
	// Source is the sender's address.
	Source PeerAddress

	// Payload is the opaque message bytes. The channel relinquishes
	// ownership on delivery.
	Payload []byte
}

// Handler consumes inbound messages from a channel.
type Handler func(msg *Inbound)

// Channel is one transport attachment (UDP socket, TCP dialer, test pipe).
// A channel delivers whole payloads; it never splits or merges them.
type Channel interface {
	// Send delivers payload to dest, returning a classified transport
	// error on failure (ErrTimeout, ErrNetwork, ErrClosed, ...).
	Send(dest PeerAddress, payload []byte) error

	// SetHandler installs the inbound message consumer.
	SetHandler(h Handler)

	// Type reports which transport type this channel serves.
	Type() Type

	// Close shuts the channel down. Subsequent sends return ErrClosed.
	Close() error
}

// Manager routes outgoing payloads to the channel matching the peer
// address's transport type and funnels all inbound traffic to one handler.
type Manager struct {
	channels map[Type]Channel
	handler  Handler
	log      logging.LeveledLogger
	closed   bool

	mu sync.RWMutex
}

// ManagerConfig configures a transport manager.
type ManagerConfig struct {
	// LoggerFactory creates the manager's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// NewManager creates an empty transport manager. Attach channels with
// AddChannel before routing traffic.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		channels: make(map[Type]Channel),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("transport")
	}
	return m
}

// AddChannel attaches a channel and wires its inbound path to the manager.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Type()] = ch
	m.mu.Unlock()

	ch.SetHandler(func(msg *Inbound) {
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	})
}

// SetHandler installs the consumer for all inbound messages.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Send routes payload to the channel serving dest's transport type.
func (m *Manager) Send(dest PeerAddress, payload []byte) error {
	if !dest.IsValid() {
		return ErrInvalidAddress
	}
	if len(payload) > MaxPayloadSize {
		return ErrMessageTooLarge
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	ch, ok := m.channels[dest.Type]
	m.mu.RUnlock()

	if !ok {
		return ErrNoChannel
	}

	err := ch.Send(dest, payload)
	if err != nil && m.log != nil {
		m.log.Warnf("send to %s failed: %v", dest, err)
	}
	return err
}

// Close shuts down every attached channel. The first error is returned
// but all channels are closed regardless.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	var first error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
