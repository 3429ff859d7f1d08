package session

import (
	"errors"
	"sync"
	"time"

	"github.com/emberlink/matter/pkg/fabric"
)

// Session is the contract shared by the session family. NodeSession,
// UnsecuredSession and GroupSession all satisfy it.
type Session interface {
	// Name returns a short diagnostic label, e.g. "secure/42".
	Name() string
	// Peer returns the logical peer address, which may be a group.
	Peer() fabric.Address
	// IsSecure reports whether payloads on this session are encrypted.
	IsSecure() bool
	// CreatedAt returns when the session was established.
	CreatedAt() time.Time
	// ActiveTimestamp returns when the peer was last heard from.
	ActiveTimestamp() time.Time
	// Parameters returns the peer's negotiated session parameters.
	Parameters() Parameters
	// Subscriptions returns the set of server subscriptions bound to
	// this session.
	Subscriptions() *SubscriptionSet
	// Close tears the session down. Bound subscriptions are closed
	// first. Close is idempotent.
	Close() error
}

// Subscription is the view the session layer has of a server
// subscription bound to a session. It is implemented by the interaction
// layer.
type Subscription interface {
	// SubscriptionID returns the publisher-assigned identifier.
	SubscriptionID() uint32
	// Terminate ends the subscription without a final report. It must
	// be safe to call more than once.
	Terminate() error
}

// SubscriptionSet tracks the subscriptions bound to one session. A
// session being torn down terminates its whole set.
type SubscriptionSet struct {
	mu   sync.Mutex
	subs map[uint32]Subscription
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{subs: make(map[uint32]Subscription)}
}

// Add registers a subscription, replacing any prior entry with the same
// identifier.
func (s *SubscriptionSet) Add(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.SubscriptionID()] = sub
}

// Remove drops a subscription from the set without terminating it.
func (s *SubscriptionSet) Remove(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Count returns the number of registered subscriptions.
func (s *SubscriptionSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// TerminateAll terminates every registered subscription and empties the
// set. Individual failures do not stop the sweep; the joined error is
// returned.
func (s *SubscriptionSet) TerminateAll() error {
	s.mu.Lock()
	subs := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint32]Subscription)
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
