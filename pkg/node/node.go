// Package node assembles the full stack into a runnable smart-home
// node: storage, fabric table, session manager, protocol service,
// interaction engine, subscription publisher and DNS-SD advertising,
// with a small lifecycle state machine on top.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/discovery"
	"github.com/emberlink/matter/pkg/exchange"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/im"
	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/storage"
	"github.com/emberlink/matter/pkg/transport"
)

// Node is a running smart-home node. Create it with NewNode, populate
// clusters with AddCluster, then Start it.
type Node struct {
	config Config
	log    logging.LeveledLogger

	store      storage.Store
	closeStore func() error

	fabrics   *fabric.Table
	sessions  *session.Manager
	service   *protocol.Service
	events    *im.EventManager
	publisher *im.Publisher

	// Built during Start.
	channel    transport.Channel
	exchanges  *exchange.Manager
	engine     *im.Engine
	advertiser *discovery.Advertiser

	mu           sync.RWMutex
	state        State
	peerSessions map[string]*session.NodeSession
}

// NewNode builds a node from config. The node owns the storage backend
// and restores its fabric table and resumption records from it.
func NewNode(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{
		config:       config,
		log:          config.LoggerFactory.NewLogger("node"),
		state:        StateInitialized,
		peerSessions: make(map[string]*session.NodeSession),
	}

	if config.Storage.Path != "" {
		store, err := storage.OpenSQLiteStore(config.Storage.Path)
		if err != nil {
			return nil, err
		}
		n.store = store
		n.closeStore = store.Close
	} else {
		n.store = storage.NewMemoryStore()
	}

	n.fabrics = fabric.NewTable(fabric.TableConfig{})
	if err := loadFabrics(storage.Namespace(n.store, "fabrics"), n.fabrics); err != nil {
		n.closeStorage()
		return nil, err
	}
	n.fabrics.AddRemovalListener(n.onFabricRemoved)

	sessions, err := session.NewManager(session.ManagerConfig{
		Store:         n.store,
		Fabrics:       n.fabrics,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		n.closeStorage()
		return nil, err
	}
	n.sessions = sessions

	n.service = protocol.NewService(config.LoggerFactory)
	n.events = im.NewEventManager(nil, 0)
	n.publisher = im.NewPublisher(im.PublisherConfig{
		Service:          n.service,
		Events:           n.events,
		MaxIntervalLimit: config.Reporting.MaxInterval,
		LoggerFactory:    config.LoggerFactory,
	})

	return n, nil
}

// Start brings up the transport, exchange layer, interaction engine and
// discovery. The context bounds startup only.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.state.CanStart() {
		if n.state == StateRunning || n.state == StateStarting {
			return ErrAlreadyStarted
		}
		return ErrStopped
	}
	n.setStateLocked(StateStarting)

	if err := ctx.Err(); err != nil {
		n.setStateLocked(StateInitialized)
		return err
	}

	n.channel = n.config.Channel
	if n.channel == nil {
		ch, err := transport.NewUDPChannel(transport.UDPConfig{
			ListenAddr:    n.config.Network.ListenAddr,
			LoggerFactory: n.config.LoggerFactory,
		})
		if err != nil {
			n.setStateLocked(StateInitialized)
			return err
		}
		n.channel = ch
	}

	n.exchanges = exchange.NewManager(n.channel)
	n.engine = im.NewEngine(im.EngineConfig{
		Service:           n.service,
		Events:            n.events,
		Publisher:         n.publisher,
		Exchanges:         n.exchanges,
		AckTimeout:        n.config.Reporting.AckTimeout,
		SubscriptionOwner: n.subscriptionOwner,
		LoggerFactory:     n.config.LoggerFactory,
	})

	if !n.config.Discovery.Disabled {
		n.advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			ServerFactory: n.config.MDNSFactory,
			LoggerFactory: n.config.LoggerFactory,
		})
		n.advertiseFabricsLocked()
	}

	n.setStateLocked(StateRunning)
	n.log.Infof("node started on %s, %d fabrics", n.config.Network.ListenAddr, n.fabrics.Count())
	return nil
}

// Stop shuts the node down: subscriptions are closed without flushing,
// sessions torn down, the transport released and storage closed.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.state.CanStop() {
		state := n.state
		n.mu.Unlock()
		if state == StateStopped || state == StateStopping {
			return nil
		}
		return ErrNotStarted
	}
	n.setStateLocked(StateStopping)
	n.mu.Unlock()

	if n.advertiser != nil {
		_ = n.advertiser.Close()
	}
	if n.engine != nil {
		_ = n.engine.Close()
	}
	_ = n.publisher.Close()
	err := n.sessions.Close()
	if n.exchanges != nil {
		_ = n.exchanges.Close()
	}
	if n.channel != nil {
		_ = n.channel.Close()
	}
	n.closeStorage()

	n.mu.Lock()
	n.setStateLocked(StateStopped)
	n.mu.Unlock()
	n.log.Infof("node stopped")
	return err
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// AddCluster registers a cluster behavior on an endpoint.
func (n *Node) AddCluster(endpoint protocol.EndpointID, behavior protocol.ClusterBehavior) error {
	return n.service.AddCluster(endpoint, behavior)
}

// AddFabric commissions the node into a fabric: the table and storage
// are updated and, when running, the fabric is advertised.
func (n *Node) AddFabric(info *fabric.Info) error {
	if err := n.fabrics.Add(info); err != nil {
		return err
	}
	if err := saveFabrics(storage.Namespace(n.store, "fabrics"), n.fabrics); err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state == StateRunning && n.advertiser != nil {
		if err := n.advertiser.StartOperational(info, n.operationalTXT()); err != nil {
			n.log.Warnf("advertising fabric %s failed: %v", info.Index, err)
		}
	}
	return nil
}

// RemoveFabric removes the node from a fabric. Sessions, resumption
// records and the advertisement cascade through removal listeners.
func (n *Node) RemoveFabric(index fabric.Index) error {
	if err := n.fabrics.Remove(index); err != nil {
		return err
	}
	return saveFabrics(storage.Namespace(n.store, "fabrics"), n.fabrics)
}

// IsCommissioned reports whether the node belongs to at least one
// fabric.
func (n *Node) IsCommissioned() bool {
	return n.fabrics.Count() > 0
}

// BindPeerSession associates a secure session with a transport peer so
// subscriptions created over that peer die with the session. Handshake
// glue calls this once establishment completes.
func (n *Node) BindPeerSession(peer transport.PeerAddress, s *session.NodeSession) {
	n.mu.Lock()
	n.peerSessions[peer.String()] = s
	n.mu.Unlock()
	s.AddOnClose(func(closed *session.NodeSession) {
		n.mu.Lock()
		if n.peerSessions[peer.String()] == closed {
			delete(n.peerSessions, peer.String())
		}
		n.mu.Unlock()
	})
}

// Accessors for embedding programs and tests.

// Service returns the cluster registry.
func (n *Node) Service() *protocol.Service { return n.service }

// Sessions returns the session manager.
func (n *Node) Sessions() *session.Manager { return n.sessions }

// Events returns the event manager.
func (n *Node) Events() *im.EventManager { return n.events }

// Publisher returns the subscription publisher.
func (n *Node) Publisher() *im.Publisher { return n.publisher }

// Exchanges returns the exchange manager, nil before Start.
func (n *Node) Exchanges() *exchange.Manager { return n.exchanges }

// Fabrics returns the fabric table.
func (n *Node) Fabrics() *fabric.Table { return n.fabrics }

func (n *Node) subscriptionOwner(peer transport.PeerAddress) *session.SubscriptionSet {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if s, ok := n.peerSessions[peer.String()]; ok {
		return s.Subscriptions()
	}
	return nil
}

func (n *Node) operationalTXT() discovery.OperationalTXT {
	params := n.config.SessionParameters()
	return discovery.OperationalTXT{
		IdleInterval:   params.IdleInterval,
		ActiveInterval: params.ActiveInterval,
	}
}

func (n *Node) advertiseFabricsLocked() {
	_ = n.fabrics.ForEach(func(info *fabric.Info) error {
		if err := n.advertiser.StartOperational(info, n.operationalTXT()); err != nil {
			n.log.Warnf("advertising fabric %s failed: %v", info.Index, err)
		}
		return nil
	})
}

func (n *Node) onFabricRemoved(index fabric.Index) {
	n.mu.RLock()
	advertiser := n.advertiser
	n.mu.RUnlock()
	if advertiser != nil {
		if err := advertiser.Stop(index); err != nil && !errors.Is(err, discovery.ErrNotAdvertised) {
			n.log.Warnf("withdrawing fabric %s advertisement: %v", index, err)
		}
	}
}

func (n *Node) setStateLocked(state State) {
	n.state = state
	if n.config.OnStateChanged != nil {
		n.config.OnStateChanged(state)
	}
}

func (n *Node) closeStorage() {
	if n.closeStore != nil {
		if err := n.closeStore(); err != nil {
			n.log.Errorf("closing storage: %v", err)
		}
		n.closeStore = nil
	}
}
