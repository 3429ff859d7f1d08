package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
)

// UDPChannel carries payloads over a datagram socket.
type UDPChannel struct {
	conn net.PacketConn
	log  logging.LeveledLogger
	wg   sync.WaitGroup

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// UDPConfig configures a UDP channel.
type UDPConfig struct {
	// Conn is an optional pre-bound socket. When nil one is opened on
	// ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the bind address, for example ":5540". Empty picks
	// an ephemeral port.
	ListenAddr string

	// LoggerFactory creates the channel's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// NewUDPChannel binds the socket and starts the read loop.
func NewUDPChannel(config UDPConfig) (*UDPChannel, error) {
	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		conn, err = net.ListenPacket("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}

	u := &UDPChannel{conn: conn}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport")
		u.log.Infof("udp channel listening on %s", conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound socket address.
func (u *UDPChannel) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Send implements Channel.
func (u *UDPChannel) Send(dest PeerAddress, payload []byte) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, err := u.conn.WriteTo(payload, dest.Addr); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// SetHandler implements Channel.
func (u *UDPChannel) SetHandler(h Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

// Type implements Channel.
func (u *UDPChannel) Type() Type {
	return TypeUDP
}

// Close implements Channel. It unblocks the read loop and waits for it
// to exit.
func (u *UDPChannel) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDPChannel) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, MaxPayloadSize)
	for {
		n, from, err := u.conn.ReadFrom(buf)
		if err != nil {
			u.mu.RLock()
			closed := u.closed
			u.mu.RUnlock()
			if !closed && u.log != nil {
				u.log.Warnf("udp read failed: %v", err)
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		u.mu.RLock()
		h := u.handler
		u.mu.RUnlock()
		if h != nil {
			h(&Inbound{Source: NewUDPPeerAddress(from), Payload: payload})
		}
	}
}

var _ Channel = (*UDPChannel)(nil)
