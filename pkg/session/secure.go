package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/crypto"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/message"
	"github.com/emberlink/matter/pkg/timer"
	"github.com/emberlink/matter/pkg/transport"
)

// SecureSessionConfig is the output of a completed PASE or CASE
// handshake, everything the session layer needs to run the session.
type SecureSessionConfig struct {
	Type Type
	Role Role

	// LocalSessionID was allocated by the Manager before establishment.
	LocalSessionID uint16
	// PeerSessionID was chosen by the peer.
	PeerSessionID uint16

	// I2RKey and R2IKey are the directional AES keys derived by the
	// handshake. Which one encrypts outbound depends on Role.
	I2RKey []byte
	R2IKey []byte

	// SharedSecret is retained for CASE resumption. Nil for PASE.
	SharedSecret []byte
	// ResumptionID identifies the resumption record offered to the
	// peer. Nil for PASE.
	ResumptionID []byte
	// CaseAuthenticatedTags carries the peer's CATs from its NOC.
	CaseAuthenticatedTags []uint32

	FabricIndex fabric.Index
	PeerNodeID  fabric.NodeID
	LocalNodeID fabric.NodeID

	PeerAddress transport.PeerAddress
	Parameters  Parameters
}

// NodeSession is an established secure unicast session. It owns the
// directional ciphers, the outbound message counter and the inbound
// replay window.
type NodeSession struct {
	sessType Type
	role     Role

	localID uint16
	peerID  uint16

	fabricIndex fabric.Index
	peerNodeID  fabric.NodeID
	localNodeID fabric.NodeID

	encrypt crypto.AEAD
	decrypt crypto.AEAD

	sharedSecret []byte
	resumptionID []byte
	cats         []uint32

	counter *message.Counter
	window  *message.ReplayWindow

	clock  timer.Service
	params Parameters
	subs   *SubscriptionSet
	log    logging.LeveledLogger

	mu          sync.RWMutex
	peerAddress transport.PeerAddress
	createdAt   time.Time
	activeAt    time.Time
	closed      bool
	onClose     []func(*NodeSession)
}

var _ Session = (*NodeSession)(nil)

// NewNodeSession builds a session from handshake output. The outbound
// cipher is I2R for the initiator and R2I for the responder.
func NewNodeSession(config SecureSessionConfig, provider crypto.Provider, clock timer.Service, log logging.LeveledLogger) (*NodeSession, error) {
	if config.LocalSessionID == 0 {
		return nil, ErrInvalidSessionID
	}
	if config.Type != TypePASE && config.Type != TypeCASE {
		return nil, ErrInvalidSessionType
	}

	encKey, decKey := config.I2RKey, config.R2IKey
	if config.Role == RoleResponder {
		encKey, decKey = decKey, encKey
	}
	enc, err := provider.NewAEAD(encKey)
	if err != nil {
		return nil, err
	}
	dec, err := provider.NewAEAD(decKey)
	if err != nil {
		return nil, err
	}
	now := clock.Now()
	s := &NodeSession{
		sessType:     config.Type,
		role:         config.Role,
		localID:      config.LocalSessionID,
		peerID:       config.PeerSessionID,
		fabricIndex:  config.FabricIndex,
		peerNodeID:   config.PeerNodeID,
		localNodeID:  config.LocalNodeID,
		encrypt:      enc,
		decrypt:      dec,
		sharedSecret: append([]byte(nil), config.SharedSecret...),
		resumptionID: append([]byte(nil), config.ResumptionID...),
		cats:         append([]uint32(nil), config.CaseAuthenticatedTags...),
		counter:      message.NewSessionCounter(),
		window:       message.NewReplayWindow(),
		clock:        clock,
		params:       config.Parameters.WithDefaults(),
		subs:         NewSubscriptionSet(),
		log:          log,
		peerAddress:  config.PeerAddress,
		createdAt:    now,
		activeAt:     now,
	}
	return s, nil
}

func (s *NodeSession) Name() string {
	return fmt.Sprintf("secure/%d", s.localID)
}

func (s *NodeSession) Type() Type   { return s.sessType }
func (s *NodeSession) Role() Role   { return s.role }
func (s *NodeSession) ID() uint16   { return s.localID }
func (s *NodeSession) PeerID() uint16 { return s.peerID }

func (s *NodeSession) Peer() fabric.Address {
	return fabric.NewNodeAddress(s.fabricIndex, s.peerNodeID)
}

func (s *NodeSession) IsSecure() bool                  { return true }
func (s *NodeSession) FabricIndex() fabric.Index       { return s.fabricIndex }
func (s *NodeSession) LocalNodeID() fabric.NodeID      { return s.localNodeID }
func (s *NodeSession) CaseAuthenticatedTags() []uint32 { return append([]uint32(nil), s.cats...) }
func (s *NodeSession) ResumptionID() []byte            { return append([]byte(nil), s.resumptionID...) }
func (s *NodeSession) SharedSecret() []byte            { return append([]byte(nil), s.sharedSecret...) }
func (s *NodeSession) Parameters() Parameters          { return s.params }
func (s *NodeSession) Subscriptions() *SubscriptionSet { return s.subs }

func (s *NodeSession) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *NodeSession) ActiveTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAt
}

// PeerAddress returns the last transport address the peer was seen at.
func (s *NodeSession) PeerAddress() transport.PeerAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddress
}

// NotePeerActivity refreshes the activity timestamp and, when addr is
// non-zero, the peer's transport address.
func (s *NodeSession) NotePeerActivity(addr transport.PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAt = s.clock.Now()
	if addr.Addr != nil {
		s.peerAddress = addr
	}
}

// IsPeerActive reports whether the peer is inside its active threshold
// and can be expected to answer promptly.
func (s *NodeSession) IsPeerActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Now().Sub(s.activeAt) < s.params.ActiveThreshold
}

// Encrypt seals an outbound payload. It returns the message counter the
// payload was sealed under, which the caller places in the header.
func (s *NodeSession) Encrypt(plaintext, aad []byte) (uint32, []byte, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return 0, nil, ErrSessionClosed
	}
	counter, err := s.counter.Next()
	if err != nil {
		return 0, nil, err
	}
	ciphertext, err := s.encrypt.Seal(s.nonce(counter, s.localNodeID), plaintext, aad)
	if err != nil {
		return 0, nil, err
	}
	return counter, ciphertext, nil
}

// Decrypt opens an inbound payload and applies replay protection. The
// reception window is only committed once the payload authenticates, so
// a forged counter cannot poison it.
func (s *NodeSession) Decrypt(counter uint32, ciphertext, aad []byte) ([]byte, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	plaintext, err := s.decrypt.Open(s.nonce(counter, s.peerNodeID), ciphertext, aad)
	if err != nil {
		return nil, err
	}
	if !s.window.Observe(counter, message.PolicyEncryptedUnicast) {
		return nil, message.ErrDuplicateCounter
	}
	return plaintext, nil
}

// nonce is 13 bytes: security flags, the 32-bit counter and the 64-bit
// source node identifier, all little endian.
func (s *NodeSession) nonce(counter uint32, source fabric.NodeID) []byte {
	n := make([]byte, crypto.NonceSize)
	binary.LittleEndian.PutUint32(n[1:5], counter)
	binary.LittleEndian.PutUint64(n[5:13], uint64(source))
	return n
}

// AddOnClose registers a teardown callback. The Manager uses one to
// unregister the session; other layers may add their own.
func (s *NodeSession) AddOnClose(fn func(*NodeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Close terminates bound subscriptions, zeroizes key material and
// notifies the owner. Repeat calls are no-ops.
func (s *NodeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	err := s.subs.TerminateAll()

	for i := range s.sharedSecret {
		s.sharedSecret[i] = 0
	}
	for _, fn := range onClose {
		fn(s)
	}
	if s.log != nil {
		s.log.Debugf("closed %s to %s", s.Name(), s.Peer())
	}
	return err
}
