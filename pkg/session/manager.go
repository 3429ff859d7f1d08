package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/crypto"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/message"
	"github.com/emberlink/matter/pkg/storage"
	"github.com/emberlink/matter/pkg/timer"
)

// Manager defaults.
const (
	// DefaultSessionIDUpperBound is the top of the local session
	// identifier space. Identifier 0 is reserved for unsecured traffic.
	DefaultSessionIDUpperBound uint16 = 0xFFFF

	// unsecuredIDRetries bounds the ephemeral-identifier collision loop.
	unsecuredIDRetries = 16
)

// ManagerConfig configures a session Manager. Zero values select
// sensible defaults; Store is required for resumption persistence.
type ManagerConfig struct {
	Provider  crypto.Provider
	Clock     timer.Service
	Store     storage.Store
	Fabrics   *fabric.Table
	GroupKeys GroupKeyProvider

	// SessionIDUpperBound shrinks the identifier space, mainly for
	// tests that exercise identifier pressure.
	SessionIDUpperBound uint16
	// GroupPeerLimit bounds the group sender replay table.
	GroupPeerLimit int

	LoggerFactory logging.LoggerFactory
}

// SessionInfo is a diagnostic snapshot of one live session.
type SessionInfo struct {
	Name            string
	Peer            fabric.Address
	Secure          bool
	CreatedAt       time.Time
	ActiveTimestamp time.Time
	Subscriptions   int
}

// Manager owns every session on the node. It allocates local session
// identifiers from a bounded space, evicting the least recently active
// session when the space is exhausted, and maintains the durable
// resumption table alongside the live population.
type Manager struct {
	provider  crypto.Provider
	clock     timer.Service
	fabrics   *fabric.Table
	groupKeys GroupKeyProvider
	log       logging.LeveledLogger

	idUpperBound uint16
	groupCounter *message.Counter
	groupPeers   *GroupPeerTable
	resumption   *ResumptionStore

	mu        sync.RWMutex
	secure    map[uint16]*NodeSession
	unsecured map[fabric.NodeID]*UnsecuredSession
	groups    map[fabric.Address]*GroupSession
	nextID    uint16
	closed    bool

	// closeMu serializes CloseAllSessions against itself and against
	// fabric removal sweeps.
	closeMu sync.Mutex
}

// NewManager builds a Manager. The resumption table is loaded from
// config.Store; records for fabrics missing from config.Fabrics are
// discarded during the load.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Provider == nil {
		config.Provider = crypto.NewDefaultProvider()
	}
	if config.Clock == nil {
		config.Clock = timer.NewClock()
	}
	if config.Store == nil {
		config.Store = storage.NewMemoryStore()
	}
	if config.SessionIDUpperBound == 0 {
		config.SessionIDUpperBound = DefaultSessionIDUpperBound
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := config.LoggerFactory.NewLogger("session")

	hasFabric := func(fabric.Index) bool { return true }
	if config.Fabrics != nil {
		hasFabric = config.Fabrics.Has
	}
	resumption, err := NewResumptionStore(storage.Namespace(config.Store, "resumption"), hasFabric, log)
	if err != nil {
		return nil, err
	}
	groupPeers, err := NewGroupPeerTable(config.GroupPeerLimit)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		provider:     config.Provider,
		clock:        config.Clock,
		fabrics:      config.Fabrics,
		groupKeys:    config.GroupKeys,
		log:          log,
		idUpperBound: config.SessionIDUpperBound,
		groupCounter: message.NewGlobalCounter(),
		groupPeers:   groupPeers,
		resumption:   resumption,
		secure:       make(map[uint16]*NodeSession),
		unsecured:    make(map[fabric.NodeID]*UnsecuredSession),
		groups:       make(map[fabric.Address]*GroupSession),
		nextID:       1,
	}
	if config.Fabrics != nil {
		config.Fabrics.AddRemovalListener(m.onFabricRemoved)
	}
	return m, nil
}

// Resumption exposes the durable resumption table.
func (m *Manager) Resumption() *ResumptionStore { return m.resumption }

// GroupPeers exposes the group sender replay table.
func (m *Manager) GroupPeers() *GroupPeerTable { return m.groupPeers }

// AllocateSessionID reserves a local session identifier for an
// establishment in progress. Allocation always succeeds: when every
// identifier in [1, upper bound] is taken, the least recently active
// secure session is evicted and its identifier reused.
func (m *Manager) AllocateSessionID() (uint16, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}

	// Scan from the rotation point so identifiers are not reused
	// immediately after release.
	count := uint32(m.idUpperBound)
	candidate := m.nextID
	for i := uint32(0); i < count; i++ {
		if candidate == 0 {
			candidate = 1
		}
		if _, taken := m.secure[candidate]; !taken {
			m.nextID = candidate + 1
			if m.nextID == 0 || m.nextID > m.idUpperBound {
				m.nextID = 1
			}
			// Reserve with a placeholder so concurrent allocations
			// cannot hand out the same identifier.
			m.secure[candidate] = nil
			m.mu.Unlock()
			return candidate, nil
		}
		candidate++
		if candidate > m.idUpperBound {
			candidate = 1
		}
	}

	victim := m.leastRecentlyActiveLocked()
	if victim == nil {
		// Space full of reservations that never completed. Should not
		// happen outside tests with tiny identifier spaces.
		m.mu.Unlock()
		return 0, ErrInvalidSessionID
	}
	id := victim.ID()
	// Take over the victim's identifier before releasing the lock, so
	// a concurrent allocation cannot be handed the same one while the
	// victim tears down. The close callback leaves the placeholder
	// alone since the entry no longer points at the victim.
	m.secure[id] = nil
	m.mu.Unlock()

	m.log.Infof("session id space exhausted, evicting %s (peer %s)", victim.Name(), victim.Peer())
	_ = victim.Close()
	return id, nil
}

// ReleaseSessionID returns a reserved identifier whose establishment
// failed.
func (m *Manager) ReleaseSessionID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.secure[id]; ok && s == nil {
		delete(m.secure, id)
	}
}

func (m *Manager) leastRecentlyActiveLocked() *NodeSession {
	var victim *NodeSession
	for _, s := range m.secure {
		if s == nil {
			continue
		}
		if victim == nil || s.ActiveTimestamp().Before(victim.ActiveTimestamp()) {
			victim = s
		}
	}
	return victim
}

// CreateSecureSession installs a session from completed handshake
// output under its reserved identifier. For CASE sessions carrying a
// shared secret the resumption record is written through before the
// session becomes findable.
func (m *Manager) CreateSecureSession(config SecureSessionConfig) (*NodeSession, error) {
	if config.LocalSessionID == 0 || config.LocalSessionID > m.idUpperBound {
		return nil, ErrInvalidSessionID
	}

	s, err := NewNodeSession(config, m.provider, m.clock, m.log)
	if err != nil {
		return nil, err
	}

	if config.Type == TypeCASE && len(config.SharedSecret) > 0 {
		rec := &ResumptionRecord{
			FabricIndex:           config.FabricIndex,
			PeerNodeID:            config.PeerNodeID,
			SharedSecret:          append([]byte(nil), config.SharedSecret...),
			ResumptionID:          append([]byte(nil), config.ResumptionID...),
			CaseAuthenticatedTags: append([]uint32(nil), config.CaseAuthenticatedTags...),
			Parameters:            config.Parameters.WithDefaults(),
		}
		if err := m.resumption.Save(rec); err != nil {
			return nil, fmt.Errorf("session: persist resumption record: %w", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if existing := m.secure[config.LocalSessionID]; existing != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: id %d already in use", config.LocalSessionID)
	}
	m.secure[config.LocalSessionID] = s
	m.mu.Unlock()

	s.AddOnClose(func(closed *NodeSession) {
		m.mu.Lock()
		if m.secure[closed.ID()] == closed {
			delete(m.secure, closed.ID())
		}
		m.mu.Unlock()
	})

	m.log.Debugf("created %s %s to %s", s.Type(), s.Name(), s.Peer())
	return s, nil
}

// CreateUnsecuredSession starts a handshake-carrier session with a
// fresh random ephemeral identifier, retrying on the unlikely collision
// with a live unsecured session.
func (m *Manager) CreateUnsecuredSession(role Role) (*UnsecuredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	for i := 0; i < unsecuredIDRetries; i++ {
		raw, err := m.provider.RandomUint64()
		if err != nil {
			return nil, err
		}
		id := fabric.NodeID(raw)
		if !id.IsOperational() {
			continue
		}
		if _, taken := m.unsecured[id]; taken {
			continue
		}
		s := newUnsecuredSession(role, id, m.clock)
		m.unsecured[id] = s
		s.SetOnClose(func(closed *UnsecuredSession) {
			m.mu.Lock()
			if m.unsecured[closed.EphemeralID()] == closed {
				delete(m.unsecured, closed.EphemeralID())
			}
			m.mu.Unlock()
		})
		return s, nil
	}
	return nil, ErrInvalidNodeID
}

// GroupSessionFor returns the outbound session for a group address,
// creating it with the current operational key on first use.
func (m *Manager) GroupSessionFor(addr fabric.Address, sourceID fabric.NodeID) (*GroupSession, error) {
	if !addr.IsGroup() {
		return nil, ErrInvalidSessionType
	}
	if m.groupKeys == nil {
		return nil, ErrNoGroupKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.groups[addr]; ok {
		return s, nil
	}

	key, err := m.groupKeys.OperationalGroupKey(addr.Fabric, addr.GroupID)
	if err != nil {
		return nil, err
	}
	s, err := newGroupSession(addr, key, sourceID, m.groupCounter, m.provider, m.clock)
	if err != nil {
		return nil, err
	}
	m.groups[addr] = s
	s.SetOnClose(func(closed *GroupSession) {
		m.mu.Lock()
		if m.groups[addr] == closed {
			delete(m.groups, addr)
		}
		m.mu.Unlock()
	})
	return s, nil
}

// FindSecureSession looks a session up by local identifier.
func (m *Manager) FindSecureSession(id uint16) (*NodeSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.secure[id]
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// FindUnsecuredSession looks a handshake session up by the peer's
// ephemeral identifier.
func (m *Manager) FindUnsecuredSession(id fabric.NodeID) (*UnsecuredSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.unsecured[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SessionsForPeer returns every live secure session to a peer address,
// most recently active first is not guaranteed.
func (m *Manager) SessionsForPeer(addr fabric.Address) []*NodeSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NodeSession
	for _, s := range m.secure {
		if s != nil && s.Peer() == addr {
			out = append(out, s)
		}
	}
	return out
}

// HandlePeerLoss closes every secure session to the given peer that was
// established at or before asOf. Sessions created after asOf are left
// alone, since the loss signal predates them. A zero asOf exempts
// nothing: every session to the peer is closed.
func (m *Manager) HandlePeerLoss(addr fabric.Address, asOf time.Time) error {
	m.mu.RLock()
	var doomed []*NodeSession
	for _, s := range m.secure {
		if s != nil && s.Peer() == addr && (asOf.IsZero() || !s.CreatedAt().After(asOf)) {
			doomed = append(doomed, s)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range doomed {
		m.log.Infof("peer loss: closing %s to %s", s.Name(), addr)
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAllSessions tears down the entire live population. Concurrent
// callers are serialized; each session's close error is collected and
// the joined result returned.
func (m *Manager) CloseAllSessions() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	m.mu.Lock()
	sessions := m.snapshotLocked()
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts the manager down after closing every session. Further
// create calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	err := m.CloseAllSessions()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return err
}

// SecureSessionCount returns the number of live secure sessions.
func (m *Manager) SecureSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.secure {
		if s != nil {
			n++
		}
	}
	return n
}

// ActiveSessionInformation snapshots the live population for
// diagnostics.
func (m *Manager) ActiveSessionInformation() []SessionInfo {
	m.mu.RLock()
	sessions := m.snapshotLocked()
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			Name:            s.Name(),
			Peer:            s.Peer(),
			Secure:          s.IsSecure(),
			CreatedAt:       s.CreatedAt(),
			ActiveTimestamp: s.ActiveTimestamp(),
			Subscriptions:   s.Subscriptions().Count(),
		})
	}
	return out
}

func (m *Manager) snapshotLocked() []Session {
	var out []Session
	for _, s := range m.secure {
		if s != nil {
			out = append(out, s)
		}
	}
	for _, s := range m.unsecured {
		out = append(out, s)
	}
	for _, s := range m.groups {
		out = append(out, s)
	}
	return out
}

// onFabricRemoved cascades a fabric removal: live sessions on the
// fabric close, its resumption records are purged and its group senders
// forgotten.
func (m *Manager) onFabricRemoved(index fabric.Index) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	m.mu.RLock()
	var doomed []*NodeSession
	for _, s := range m.secure {
		if s != nil && s.FabricIndex() == index {
			doomed = append(doomed, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range doomed {
		_ = s.Close()
	}
	if err := m.resumption.DeleteForFabric(index); err != nil {
		m.log.Errorf("purging resumption records for fabric %d: %v", index, err)
	}
	m.groupPeers.RemoveFabric(index)
	m.log.Infof("fabric %d removed: closed %d sessions", index, len(doomed))
}
