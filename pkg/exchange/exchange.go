// Package exchange implements message exchanges: short-lived, numbered
// request/response contexts multiplexed over a transport channel. The
// interaction layer opens an exchange per request and is guaranteed to
// release it on every exit path.
package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/emberlink/matter/pkg/transport"
)

// Exchange errors.
var (
	ErrClosed          = errors.New("exchange: exchange closed")
	ErrManagerClosed   = errors.New("exchange: manager closed")
	ErrShortFrame      = errors.New("exchange: frame too short")
	ErrNoAcceptor      = errors.New("exchange: no acceptor for protocol")
	ErrDuplicateHandle = errors.New("exchange: exchange id in use")
)

// headerSize is the fixed frame prefix: exchange id, protocol id,
// message type and flags.
const headerSize = 6

// Flag bits.
const flagInitiator = 0x01

// Message is one decoded exchange frame.
type Message struct {
	ExchangeID  uint16
	ProtocolID  uint16
	MessageType uint8
	Initiator   bool
	Payload     []byte
}

func encodeFrame(msg *Message) []byte {
	buf := make([]byte, headerSize+len(msg.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], msg.ExchangeID)
	binary.LittleEndian.PutUint16(buf[2:4], msg.ProtocolID)
	buf[4] = msg.MessageType
	if msg.Initiator {
		buf[5] |= flagInitiator
	}
	copy(buf[headerSize:], msg.Payload)
	return buf
}

func decodeFrame(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, ErrShortFrame
	}
	return &Message{
		ExchangeID:  binary.LittleEndian.Uint16(raw[0:2]),
		ProtocolID:  binary.LittleEndian.Uint16(raw[2:4]),
		MessageType: raw[4],
		Initiator:   raw[5]&flagInitiator != 0,
		Payload:     append([]byte(nil), raw[headerSize:]...),
	}, nil
}

// Exchange is one live exchange context. Receive blocks until a frame
// arrives, the context is canceled, or the exchange closes.
type Exchange struct {
	id        uint16
	initiator bool
	peer      transport.PeerAddress
	manager   *Manager

	recv chan *Message

	closeOnce sync.Once
	closed    chan struct{}
}

// ID returns the exchange identifier.
func (e *Exchange) ID() uint16 { return e.id }

// Peer returns the transport address this exchange is bound to.
func (e *Exchange) Peer() transport.PeerAddress { return e.peer }

// Send transmits one frame on the exchange.
func (e *Exchange) Send(protocolID uint16, messageType uint8, payload []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	frame := encodeFrame(&Message{
		ExchangeID:  e.id,
		ProtocolID:  protocolID,
		MessageType: messageType,
		Initiator:   e.initiator,
		Payload:     payload,
	})
	return e.manager.send(e.peer, frame)
}

// Receive blocks for the next inbound frame. Cancellation of ctx and
// exchange closure both unblock it.
func (e *Exchange) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-e.recv:
		return msg, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the exchange and removes it from the manager's table.
// Safe to call repeatedly and from any goroutine.
func (e *Exchange) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.manager.remove(e)
	})
	return nil
}

func (e *Exchange) deliver(msg *Message) bool {
	select {
	case e.recv <- msg:
		return true
	case <-e.closed:
		return false
	default:
		// Receiver not keeping up; drop rather than block the inbound
		// path.
		return false
	}
}

// exchangeKey distinguishes our exchanges from peer-initiated ones with
// the same identifier.
type exchangeKey struct {
	id        uint16
	initiator bool
	peer      string
}

func keyFor(id uint16, initiator bool, peer transport.PeerAddress) exchangeKey {
	k := exchangeKey{id: id, initiator: initiator}
	if peer.Addr != nil {
		k.peer = peer.Addr.String()
	}
	return k
}

// Acceptor handles the first frame of a peer-initiated exchange.
type Acceptor func(ex *Exchange, msg *Message)

// Manager multiplexes exchanges over one transport channel. Unsolicited
// frames spawn a new exchange routed to the acceptor registered for
// their protocol.
type Manager struct {
	channel transport.Channel

	mu        sync.Mutex
	exchanges map[exchangeKey]*Exchange
	acceptors map[uint16]Acceptor
	nextID    uint16
	closed    bool
}

// NewManager builds a Manager and installs itself as the channel's
// inbound handler.
func NewManager(channel transport.Channel) *Manager {
	m := &Manager{
		channel:   channel,
		exchanges: make(map[exchangeKey]*Exchange),
		acceptors: make(map[uint16]Acceptor),
		nextID:    1,
	}
	channel.SetHandler(m.handleInbound)
	return m
}

// Accept registers the handler for peer-initiated exchanges on a
// protocol.
func (m *Manager) Accept(protocolID uint16, acceptor Acceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptors[protocolID] = acceptor
}

// NewExchange opens an initiator-side exchange to a peer.
func (m *Manager) NewExchange(peer transport.PeerAddress) (*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	for {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		key := keyFor(id, true, peer)
		if _, taken := m.exchanges[key]; taken {
			continue
		}
		ex := &Exchange{
			id:        id,
			initiator: true,
			peer:      peer,
			manager:   m,
			recv:      make(chan *Message, 8),
			closed:    make(chan struct{}),
		}
		m.exchanges[key] = ex
		return ex, nil
	}
}

// Open returns the number of live exchanges, for diagnostics and leak
// checks.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanges)
}

// Close shuts every exchange down and detaches from the channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Exchange, 0, len(m.exchanges))
	for _, ex := range m.exchanges {
		open = append(open, ex)
	}
	m.mu.Unlock()

	for _, ex := range open {
		_ = ex.Close()
	}
	return nil
}

func (m *Manager) send(peer transport.PeerAddress, frame []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrManagerClosed
	}
	if err := m.channel.Send(peer, frame); err != nil {
		return fmt.Errorf("exchange: send: %w", err)
	}
	return nil
}

func (m *Manager) remove(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyFor(ex.id, ex.initiator, ex.peer)
	if m.exchanges[key] == ex {
		delete(m.exchanges, key)
	}
}

func (m *Manager) handleInbound(in *transport.Inbound) {
	msg, err := decodeFrame(in.Payload)
	if err != nil {
		return
	}

	// A frame sent by the exchange initiator lands on the responder's
	// side of the table and vice versa.
	key := keyFor(msg.ExchangeID, !msg.Initiator, in.Source)
	m.mu.Lock()
	ex, ok := m.exchanges[key]
	var acceptor Acceptor
	if !ok && msg.Initiator {
		acceptor = m.acceptors[msg.ProtocolID]
		if acceptor != nil {
			ex = &Exchange{
				id:        msg.ExchangeID,
				initiator: false,
				peer:      in.Source,
				manager:   m,
				recv:      make(chan *Message, 8),
				closed:    make(chan struct{}),
			}
			m.exchanges[key] = ex
		}
	}
	m.mu.Unlock()

	if ex == nil {
		return
	}
	if acceptor != nil {
		acceptor(ex, msg)
		return
	}
	ex.deliver(msg)
}
