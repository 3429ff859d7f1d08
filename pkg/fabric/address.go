package fabric

import "fmt"

// Address identifies a logical peer: either a single node on a fabric or a
// group on a fabric. It is the key used for session lookup, peer-loss
// notification and resumption-record storage.
type Address struct {
	// Fabric is the local fabric index the peer belongs to.
	Fabric Index

	// NodeID is the peer's operational node ID (0 for group addresses).
	NodeID NodeID

	// GroupID is the multicast group (0 for unicast addresses).
	GroupID GroupID
}

// NewNodeAddress creates a unicast peer address.
func NewNodeAddress(fabricIndex Index, nodeID NodeID) Address {
	return Address{Fabric: fabricIndex, NodeID: nodeID}
}

// NewGroupAddress creates a multicast peer address.
func NewGroupAddress(fabricIndex Index, groupID GroupID) Address {
	return Address{Fabric: fabricIndex, GroupID: groupID}
}

// IsGroup returns true if the address targets a group rather than a node.
func (a Address) IsGroup() bool {
	return a.GroupID != GroupIDInvalid
}

// IsValid returns true if the address identifies either a node or a group.
func (a Address) IsValid() bool {
	if a.IsGroup() {
		return a.Fabric.IsValid()
	}
	return a.NodeID != NodeIDUnspecified
}

// String returns a human-readable representation of the address.
func (a Address) String() string {
	if a.IsGroup() {
		return fmt.Sprintf("%s/%s", a.Fabric, a.GroupID)
	}
	return fmt.Sprintf("%s/%s", a.Fabric, a.NodeID)
}

// StorageKey returns a stable string key for keying persisted per-peer state.
func (a Address) StorageKey() string {
	if a.IsGroup() {
		return fmt.Sprintf("%d:g:%04x", uint8(a.Fabric), uint16(a.GroupID))
	}
	return fmt.Sprintf("%d:n:%016x", uint8(a.Fabric), uint64(a.NodeID))
}
