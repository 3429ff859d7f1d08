package protocol

import (
	"errors"
	"sort"
	"sync"
)

// Behavior errors.
var (
	ErrAttributeNotFound = errors.New("protocol: attribute not found")
	ErrCommandNotFound   = errors.New("protocol: command not found")
	ErrAttributeReadOnly = errors.New("protocol: attribute is read only")
)

// ClusterBehavior is the capability contract a cluster implementation
// exposes to the interaction layer. Implementations embed ClusterState
// for versioned attribute storage.
type ClusterBehavior interface {
	// ClusterID returns the cluster definition this behavior implements.
	ClusterID() ClusterID
	// Version returns the current data version.
	Version() DataVersion
	// AttributeIDs lists the attributes the behavior serves, sorted.
	AttributeIDs() []AttributeID
	// ReadAttribute returns an attribute's current value.
	ReadAttribute(id AttributeID) (any, error)
	// WriteAttribute replaces an attribute's value.
	WriteAttribute(id AttributeID, value any) error
	// Invoke executes a command. It returns the response payload (nil
	// for status-only commands) and the attributes the command changed,
	// which the caller announces as one change batch.
	Invoke(id CommandID, payload any) (response any, changed []AttributeID, err error)
}

// ClusterState is the versioned attribute store behaviors build on. Every
// mutation batch bumps the data version exactly once; versions never go
// backwards for a live cluster instance.
type ClusterState struct {
	mu      sync.RWMutex
	version DataVersion
	attrs   map[AttributeID]any
}

// NewClusterState creates a store seeded with the given attributes at
// version 1.
func NewClusterState(attrs map[AttributeID]any) *ClusterState {
	state := &ClusterState{
		version: 1,
		attrs:   make(map[AttributeID]any, len(attrs)),
	}
	for id, v := range attrs {
		state.attrs[id] = v
	}
	return state
}

// Version returns the current data version.
func (s *ClusterState) Version() DataVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AttributeIDs lists the stored attributes in ascending order.
func (s *ClusterState) AttributeIDs() []AttributeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]AttributeID, 0, len(s.attrs))
	for id := range s.attrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReadAttribute returns an attribute value.
func (s *ClusterState) ReadAttribute(id AttributeID) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[id]
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return v, nil
}

// SetAttributes applies one change batch and bumps the version once.
// Returns the new version and the list of changed attribute ids.
func (s *ClusterState) SetAttributes(changes map[AttributeID]any) (DataVersion, []AttributeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]AttributeID, 0, len(changes))
	for id, v := range changes {
		s.attrs[id] = v
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.version++
	return s.version, ids
}

// SetAttribute applies a single-attribute change batch.
func (s *ClusterState) SetAttribute(id AttributeID, value any) DataVersion {
	version, _ := s.SetAttributes(map[AttributeID]any{id: value})
	return version
}
