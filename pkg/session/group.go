package session

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/emberlink/matter/pkg/crypto"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/message"
	"github.com/emberlink/matter/pkg/timer"
)

// DefaultGroupPeerLimit bounds how many distinct group senders are
// tracked for replay protection before the least recently heard one is
// forgotten.
const DefaultGroupPeerLimit = 32

// GroupKeyProvider resolves the current operational key for a group.
// Implemented by the group key management layer.
type GroupKeyProvider interface {
	OperationalGroupKey(index fabric.Index, group fabric.GroupID) ([]byte, error)
}

// GroupSession is an outbound multicast session. It is created on
// demand per group address and shares the node-wide group counter.
type GroupSession struct {
	address  fabric.Address
	cipher   crypto.AEAD
	counter  *message.Counter
	sourceID fabric.NodeID
	clock    timer.Service
	params   Parameters
	subs     *SubscriptionSet

	mu        sync.RWMutex
	createdAt time.Time
	activeAt  time.Time
	onClose   func(*GroupSession)
	closed    bool
}

var _ Session = (*GroupSession)(nil)

func newGroupSession(address fabric.Address, key []byte, sourceID fabric.NodeID, counter *message.Counter, provider crypto.Provider, clock timer.Service) (*GroupSession, error) {
	cipher, err := provider.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	now := clock.Now()
	return &GroupSession{
		address:   address,
		cipher:    cipher,
		counter:   counter,
		sourceID:  sourceID,
		clock:     clock,
		params:    Parameters{}.WithDefaults(),
		subs:      NewSubscriptionSet(),
		createdAt: now,
		activeAt:  now,
	}, nil
}

func (s *GroupSession) Name() string {
	return fmt.Sprintf("group/%s", s.address)
}

func (s *GroupSession) Peer() fabric.Address           { return s.address }
func (s *GroupSession) IsSecure() bool                 { return true }
func (s *GroupSession) Parameters() Parameters         { return s.params }
func (s *GroupSession) Subscriptions() *SubscriptionSet { return s.subs }

func (s *GroupSession) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *GroupSession) ActiveTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAt
}

// Encrypt seals a multicast payload under the group operational key.
func (s *GroupSession) Encrypt(plaintext, aad []byte) (uint32, []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, ErrSessionClosed
	}
	s.activeAt = s.clock.Now()
	s.mu.Unlock()

	counter, err := s.counter.Next()
	if err != nil {
		return 0, nil, err
	}
	nonce := groupNonce(counter, s.sourceID)
	ciphertext, err := s.cipher.Seal(nonce, plaintext, aad)
	if err != nil {
		return 0, nil, err
	}
	return counter, ciphertext, nil
}

func (s *GroupSession) SetOnClose(fn func(*GroupSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *GroupSession) Close() error {
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

func groupNonce(counter uint32, source fabric.NodeID) []byte {
	n := make([]byte, crypto.NonceSize)
	n[0] = 0x01
	n[1] = byte(counter)
	n[2] = byte(counter >> 8)
	n[3] = byte(counter >> 16)
	n[4] = byte(counter >> 24)
	id := uint64(source)
	for i := 0; i < 8; i++ {
		n[5+i] = byte(id >> (8 * i))
	}
	return n
}

// groupPeerKey identifies a group message sender.
type groupPeerKey struct {
	index fabric.Index
	node  fabric.NodeID
}

// GroupPeerTable holds per-sender reception windows for group traffic.
// The table is bounded; senders not heard from recently are evicted and
// start over with a fresh window when they reappear.
type GroupPeerTable struct {
	peers *lru.Cache[groupPeerKey, *message.ReplayWindow]
}

func NewGroupPeerTable(limit int) (*GroupPeerTable, error) {
	if limit <= 0 {
		limit = DefaultGroupPeerLimit
	}
	peers, err := lru.New[groupPeerKey, *message.ReplayWindow](limit)
	if err != nil {
		return nil, err
	}
	return &GroupPeerTable{peers: peers}, nil
}

// Observe applies the rollover-aware group replay policy to a counter
// from the given sender. Returns true when the message is fresh.
func (t *GroupPeerTable) Observe(index fabric.Index, source fabric.NodeID, counter uint32) bool {
	key := groupPeerKey{index: index, node: source}
	window, ok := t.peers.Get(key)
	if !ok {
		window = message.NewReplayWindow()
		t.peers.Add(key, window)
	}
	return window.Observe(counter, message.PolicyGroup)
}

// RemoveFabric forgets every sender on the given fabric.
func (t *GroupPeerTable) RemoveFabric(index fabric.Index) {
	for _, key := range t.peers.Keys() {
		if key.index == index {
			t.peers.Remove(key)
		}
	}
}

// Len returns the number of tracked senders.
func (t *GroupPeerTable) Len() int { return t.peers.Len() }
