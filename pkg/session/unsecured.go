package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/message"
	"github.com/emberlink/matter/pkg/timer"
	"github.com/emberlink/matter/pkg/transport"
)

// UnsecuredSession carries plaintext establishment traffic. Each side is
// identified by an ephemeral node identifier chosen at random; the
// Manager keys unsecured sessions by that identifier.
type UnsecuredSession struct {
	role        Role
	ephemeralID fabric.NodeID
	counter     *message.Counter
	window      *message.ReplayWindow
	clock       timer.Service
	params      Parameters
	subs        *SubscriptionSet

	mu          sync.RWMutex
	peerAddress transport.PeerAddress
	createdAt   time.Time
	activeAt    time.Time
	closed      bool
	onClose     func(*UnsecuredSession)
}

var _ Session = (*UnsecuredSession)(nil)

func newUnsecuredSession(role Role, ephemeralID fabric.NodeID, clock timer.Service) *UnsecuredSession {
	now := clock.Now()
	return &UnsecuredSession{
		role:        role,
		ephemeralID: ephemeralID,
		counter:     message.NewGlobalCounter(),
		window:      message.NewReplayWindow(),
		clock:       clock,
		params:      Parameters{}.WithDefaults(),
		subs:        NewSubscriptionSet(),
		createdAt:   now,
		activeAt:    now,
	}
}

func (s *UnsecuredSession) Name() string {
	return fmt.Sprintf("unsecured/%016x", uint64(s.ephemeralID))
}

func (s *UnsecuredSession) Role() Role { return s.role }

// EphemeralID returns the random source identifier used on the wire
// while no session identifier exists yet.
func (s *UnsecuredSession) EphemeralID() fabric.NodeID { return s.ephemeralID }

func (s *UnsecuredSession) Peer() fabric.Address {
	return fabric.NewNodeAddress(0, s.ephemeralID)
}

func (s *UnsecuredSession) IsSecure() bool                  { return false }
func (s *UnsecuredSession) Parameters() Parameters          { return s.params }
func (s *UnsecuredSession) Subscriptions() *SubscriptionSet { return s.subs }

func (s *UnsecuredSession) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *UnsecuredSession) ActiveTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAt
}

func (s *UnsecuredSession) PeerAddress() transport.PeerAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddress
}

func (s *UnsecuredSession) NotePeerActivity(addr transport.PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAt = s.clock.Now()
	if addr.Addr != nil {
		s.peerAddress = addr
	}
}

// SetParameters installs the peer parameters learned during the
// handshake.
func (s *UnsecuredSession) SetParameters(p Parameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p.WithDefaults()
}

// NextCounter yields the next outbound message counter.
func (s *UnsecuredSession) NextCounter() (uint32, error) {
	return s.counter.Next()
}

// ObserveCounter applies the relaxed unencrypted replay policy to an
// inbound counter. A peer that rebooted and restarted its counter is
// accepted.
func (s *UnsecuredSession) ObserveCounter(counter uint32) bool {
	return s.window.Observe(counter, message.PolicyUnencrypted)
}

func (s *UnsecuredSession) SetOnClose(fn func(*UnsecuredSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *UnsecuredSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	err := s.subs.TerminateAll()
	if onClose != nil {
		onClose(s)
	}
	return err
}
