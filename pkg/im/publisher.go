package im

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/timer"
)

// DefaultMaxIntervalLimit caps negotiated subscription max intervals.
// Deliberately far below the 60-minute wire maximum: several popular
// controllers treat long-silent publishers as dead, so reports go out
// at least this often. Override via PublisherConfig.MaxIntervalLimit.
const DefaultMaxIntervalLimit = 3 * time.Minute

// PublisherConfig configures the subscription publisher.
type PublisherConfig struct {
	// MaxIntervalLimit overrides DefaultMaxIntervalLimit.
	MaxIntervalLimit time.Duration

	Service *protocol.Service
	Events  *EventManager
	Clock   timer.Service

	LoggerFactory logging.LoggerFactory
}

// Publisher owns every server subscription on the node. It fans change
// and event notifications out to the subscriptions and serializes bulk
// update sweeps against bulk close.
type Publisher struct {
	maxIntervalLimit time.Duration
	service          *protocol.Service
	events           *EventManager
	clock            timer.Service
	log              logging.LeveledLogger

	removeChangeListener func()
	removeEventListener  func()

	mu     sync.Mutex
	subs   map[uint32]*ServerSubscription
	nextID uint32
	closed bool

	// sweepMu serializes UpdateAll against CloseAll so a subscription
	// cannot be updated and torn down concurrently by the two sweeps.
	sweepMu sync.Mutex
}

// NewPublisher wires the publisher into the protocol service's change
// path and the event manager's emission path.
func NewPublisher(config PublisherConfig) *Publisher {
	if config.MaxIntervalLimit <= 0 {
		config.MaxIntervalLimit = DefaultMaxIntervalLimit
	}
	if config.Clock == nil {
		config.Clock = timer.NewClock()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	p := &Publisher{
		maxIntervalLimit: config.MaxIntervalLimit,
		service:          config.Service,
		events:           config.Events,
		clock:            config.Clock,
		log:              config.LoggerFactory.NewLogger("im"),
		subs:             make(map[uint32]*ServerSubscription),
		nextID:           1,
	}
	if p.service != nil {
		p.removeChangeListener = p.service.AddChangeListener(p.onChange)
	}
	if p.events != nil {
		p.removeEventListener = p.events.AddListener(p.onEvent)
	}
	return p
}

// MaxIntervalLimit returns the configured publisher cap.
func (p *Publisher) MaxIntervalLimit() time.Duration { return p.maxIntervalLimit }

// CreateSubscription builds and registers a subscription in the
// constructing state. The caller seeds it.
func (p *Publisher) CreateSubscription(req SubscribeRequest, peerName string, sender ReportSender, owner *session.SubscriptionSet, onClosed func(*ServerSubscription)) (*ServerSubscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrEngineClosed
	}
	id := p.nextID
	for {
		if id == 0 {
			id = 1
		}
		if _, taken := p.subs[id]; !taken {
			break
		}
		id++
	}
	p.nextID = id + 1
	p.mu.Unlock()

	sub, err := NewServerSubscription(ServerSubscriptionConfig{
		ID:               id,
		Request:          req,
		PeerName:         peerName,
		MaxIntervalLimit: p.maxIntervalLimit,
		Service:          p.service,
		Events:           p.events,
		Clock:            p.clock,
		Sender:           sender,
		Owner:            owner,
		Log:              p.log,
		OnClosed: func(s *ServerSubscription) {
			p.mu.Lock()
			if p.subs[s.SubscriptionID()] == s {
				delete(p.subs, s.SubscriptionID())
			}
			p.mu.Unlock()
			if onClosed != nil {
				onClosed(s)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sub.Close(false)
		return nil, ErrEngineClosed
	}
	p.subs[id] = sub
	p.mu.Unlock()
	return sub, nil
}

// Get resolves a subscription by identifier.
func (p *Publisher) Get(id uint32) (*ServerSubscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[id]
	return sub, ok
}

// Count returns the number of registered subscriptions.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// UpdateAll asks every subscription to flush queued deltas now. The
// sweep is serialized against CloseAll.
func (p *Publisher) UpdateAll() {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()
	for _, sub := range p.snapshot() {
		sub.RequestUpdate()
	}
}

// CloseAll ends every subscription, optionally flushing pending data
// first. Serialized against UpdateAll.
func (p *Publisher) CloseAll(flush bool) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()
	for _, sub := range p.snapshot() {
		_ = sub.Close(flush)
	}
}

// Close tears the publisher down: the notification taps are removed and
// every subscription is closed without flushing.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.removeChangeListener != nil {
		p.removeChangeListener()
	}
	if p.removeEventListener != nil {
		p.removeEventListener()
	}
	p.CloseAll(false)
	return nil
}

func (p *Publisher) snapshot() []*ServerSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ServerSubscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub)
	}
	return out
}

func (p *Publisher) onChange(change protocol.AttributeChange) {
	for _, sub := range p.snapshot() {
		sub.OnChange(change)
	}
}

func (p *Publisher) onEvent(rec *EventRecord) {
	for _, sub := range p.snapshot() {
		sub.OnEvent(rec)
	}
}
