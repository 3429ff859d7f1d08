// Package discovery advertises operational nodes over DNS-SD so
// controllers can resolve a fabric-scoped node identity to a network
// address. One advertisement is published per commissioned fabric.
package discovery

import "errors"

// DNS-SD constants for operational discovery.
const (
	// ServiceOperational is the DNS-SD service type of commissioned
	// nodes in normal operation.
	ServiceOperational = "_matter._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the default operational port.
	DefaultPort = 5540
)

// TXT record keys carried by operational advertisements.
const (
	// TXTKeyIdleInterval is the session idle interval in milliseconds.
	TXTKeyIdleInterval = "SII"

	// TXTKeyActiveInterval is the session active interval in
	// milliseconds.
	TXTKeyActiveInterval = "SAI"

	// TXTKeyTCPSupported indicates TCP support.
	TXTKeyTCPSupported = "T"
)

var (
	// ErrClosed is returned when using a closed advertiser.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyAdvertised is returned when a fabric is already being
	// advertised.
	ErrAlreadyAdvertised = errors.New("discovery: fabric already advertised")

	// ErrNotAdvertised is returned when stopping a fabric that is not
	// being advertised.
	ErrNotAdvertised = errors.New("discovery: fabric not advertised")

	// ErrInvalidInstanceName is returned for malformed operational
	// instance names.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name")
)
