// Package fabric provides the core identity types shared across the stack:
// fabric indices, fabric IDs, node IDs and peer addresses.
//
// A fabric is a logical administrative domain of commissioned peers sharing
// root trust. Each fabric a node is commissioned into is tracked by a local
// 8-bit fabric index. Peers within a fabric are identified by 64-bit
// operational node IDs.
package fabric

import "fmt"

// Index is an 8-bit local index identifying a fabric on this node.
// Valid values are 1-254. The value 0 is invalid/unassigned.
type Index uint8

// Index constants.
const (
	// IndexMin is the minimum valid fabric index.
	IndexMin Index = 1
	// IndexMax is the maximum valid fabric index.
	IndexMax Index = 254
	// IndexInvalid represents an invalid/unassigned fabric index.
	IndexInvalid Index = 0
)

// IsValid returns true if the fabric index is in the valid range [1, 254].
func (f Index) IsValid() bool {
	return f >= IndexMin && f <= IndexMax
}

// String returns a string representation of the fabric index.
func (f Index) String() string {
	if f == IndexInvalid {
		return "Fabric(invalid)"
	}
	return fmt.Sprintf("Fabric(%d)", uint8(f))
}

// ID is a 64-bit fabric identifier. The value 0 is reserved and invalid.
type ID uint64

// IDInvalid is the reserved invalid fabric ID value.
const IDInvalid ID = 0

// IsValid returns true if the fabric ID is valid (non-zero).
func (f ID) IsValid() bool {
	return f != IDInvalid
}

// String returns a string representation of the fabric ID.
func (f ID) String() string {
	return fmt.Sprintf("FabricID(0x%016X)", uint64(f))
}

// NodeID is a 64-bit node identifier. Operational node IDs live in the
// range [0x0000_0000_0000_0001, 0xFFFF_FFFE_FFFF_FFFD].
type NodeID uint64

// NodeID range constants.
const (
	// NodeIDUnspecified represents an unspecified/invalid node ID.
	NodeIDUnspecified NodeID = 0

	// NodeIDMinOperational is the minimum valid operational node ID.
	NodeIDMinOperational NodeID = 0x0000_0000_0000_0001

	// NodeIDMaxOperational is the maximum valid operational node ID.
	NodeIDMaxOperational NodeID = 0xFFFF_FFFE_FFFF_FFFD
)

// IsOperational returns true if the node ID is a valid operational node ID.
func (n NodeID) IsOperational() bool {
	return n >= NodeIDMinOperational && n <= NodeIDMaxOperational
}

// String returns a string representation of the node ID.
func (n NodeID) String() string {
	return fmt.Sprintf("NodeID(0x%016X)", uint64(n))
}

// GroupID is a 16-bit group identifier for multicast addressing.
type GroupID uint16

// GroupIDInvalid is the reserved invalid group ID value.
const GroupIDInvalid GroupID = 0

// IsValid returns true if the group ID is valid (non-zero).
func (g GroupID) IsValid() bool {
	return g != GroupIDInvalid
}

// String returns a string representation of the group ID.
func (g GroupID) String() string {
	return fmt.Sprintf("GroupID(0x%04X)", uint16(g))
}

// VendorID is a 16-bit vendor identifier.
type VendorID uint16

// VendorID constants.
const (
	// VendorIDUnspecified represents an unspecified vendor ID.
	VendorIDUnspecified VendorID = 0
	// VendorIDTest1 is a test vendor ID for development.
	VendorIDTest1 VendorID = 0xFFF1
)
