package fabric

import (
	"errors"
	"sync"
)

// Table errors.
var (
	// ErrFabricExists is returned when adding a fabric with an index already in use.
	ErrFabricExists = errors.New("fabric: index already in use")

	// ErrFabricNotFound is returned when a fabric lookup fails.
	ErrFabricNotFound = errors.New("fabric: not found")

	// ErrTableFull is returned when no more fabrics can be added.
	ErrTableFull = errors.New("fabric: table full")
)

// DefaultMaxFabrics is the default number of supported fabrics.
const DefaultMaxFabrics = 5

// Info describes one fabric the node is commissioned into.
type Info struct {
	// Index is the local fabric index.
	Index Index

	// FabricID is the 64-bit fabric identifier.
	FabricID ID

	// NodeID is our operational node ID on this fabric.
	NodeID NodeID

	// CompressedID is the 8-byte compressed fabric identifier used for
	// operational discovery instance names.
	CompressedID [8]byte

	// Label is an optional human-readable fabric label.
	Label string
}

// Clone returns a copy of the fabric info.
func (i *Info) Clone() *Info {
	c := *i
	return &c
}

// RemovalListener is notified after a fabric has been removed from the table.
// Listeners drive cleanup cascades (sessions, resumption records, group keys).
type RemovalListener func(index Index)

// Table tracks the fabrics this node is commissioned into.
// It is safe for concurrent use.
type Table struct {
	fabrics   map[Index]*Info
	max       int
	listeners []RemovalListener

	mu sync.RWMutex
}

// TableConfig configures a fabric table.
type TableConfig struct {
	// MaxFabrics limits the number of fabrics (default DefaultMaxFabrics).
	MaxFabrics int
}

// NewTable creates an empty fabric table.
func NewTable(config TableConfig) *Table {
	if config.MaxFabrics <= 0 {
		config.MaxFabrics = DefaultMaxFabrics
	}
	return &Table{
		fabrics: make(map[Index]*Info),
		max:     config.MaxFabrics,
	}
}

// AddRemovalListener registers a listener invoked after fabric removal.
func (t *Table) AddRemovalListener(l RemovalListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Add inserts a fabric into the table.
func (t *Table) Add(info *Info) error {
	if !info.Index.IsValid() {
		return ErrFabricNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fabrics) >= t.max {
		return ErrTableFull
	}
	if _, exists := t.fabrics[info.Index]; exists {
		return ErrFabricExists
	}

	t.fabrics[info.Index] = info.Clone()
	return nil
}

// Find returns the fabric info for an index, or nil if not present.
func (t *Table) Find(index Index) *Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.fabrics[index]
	if !ok {
		return nil
	}
	return info.Clone()
}

// Has reports whether the index is present in the table.
func (t *Table) Has(index Index) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.fabrics[index]
	return ok
}

// Remove deletes a fabric and notifies removal listeners.
func (t *Table) Remove(index Index) error {
	t.mu.Lock()
	if _, exists := t.fabrics[index]; !exists {
		t.mu.Unlock()
		return ErrFabricNotFound
	}
	delete(t.fabrics, index)

	// Copy listeners so callbacks run outside the lock.
	listeners := make([]RemovalListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(index)
	}
	return nil
}

// Count returns the number of fabrics in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fabrics)
}

// ForEach calls fn for each fabric. Returning an error stops iteration.
func (t *Table) ForEach(fn func(*Info) error) error {
	t.mu.RLock()
	infos := make([]*Info, 0, len(t.fabrics))
	for _, info := range t.fabrics {
		infos = append(infos, info.Clone())
	}
	t.mu.RUnlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
