// Package transport defines the abstract channel contract the session and
// exchange layers send through: peer addressing, opaque payload delivery
// and classified failure signaling. Byte-level framing belongs to concrete
// channel implementations, not to this contract.
package transport

import (
	"fmt"
	"net"
)

// Type identifies the transport protocol used to reach a peer.
type Type int

const (
	// TypeUnknown is an uninitialized transport type.
	TypeUnknown Type = iota

	// TypeUDP is datagram transport (MRP provides reliability above it).
	TypeUDP

	// TypeTCP is stream transport with inherent reliability.
	TypeTCP

	// TypePipe is the in-memory transport used in tests.
	TypePipe
)

// String returns the transport type name.
func (t Type) String() string {
	switch t {
	case TypeUDP:
		return "udp"
	case TypeTCP:
		return "tcp"
	case TypePipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// IsValid returns true for a defined transport type.
func (t Type) IsValid() bool {
	return t == TypeUDP || t == TypeTCP || t == TypePipe
}

// PeerAddress identifies a remote peer by network address and transport type.
type PeerAddress struct {
	// Addr is the network address of the peer.
	Addr net.Addr

	// Type identifies the transport protocol.
	Type Type
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return fmt.Sprintf("%s:<nil>", p.Type)
	}
	return fmt.Sprintf("%s:%s", p.Type, p.Addr.String())
}

// IsValid returns true if the peer address has a transport type and address.
func (p PeerAddress) IsValid() bool {
	return p.Type.IsValid() && p.Addr != nil
}

// NewUDPPeerAddress creates a PeerAddress for a UDP peer.
func NewUDPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr, Type: TypeUDP}
}

// NewTCPPeerAddress creates a PeerAddress for a TCP peer.
func NewTCPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr, Type: TypeTCP}
}
