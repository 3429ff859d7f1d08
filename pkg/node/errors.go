package node

import "errors"

// Node lifecycle and configuration errors.
var (
	// ErrInvalidVendorID is returned when the vendor identifier is zero.
	ErrInvalidVendorID = errors.New("node: invalid vendor id")

	// ErrInvalidProductID is returned when the product identifier is zero.
	ErrInvalidProductID = errors.New("node: invalid product id")

	// ErrInvalidPort is returned for an out-of-range listen port.
	ErrInvalidPort = errors.New("node: invalid port")

	// ErrAlreadyStarted is returned when starting a running node.
	ErrAlreadyStarted = errors.New("node: already started")

	// ErrNotStarted is returned when stopping a node that is not running.
	ErrNotStarted = errors.New("node: not started")

	// ErrStopped is returned when using a node after Stop.
	ErrStopped = errors.New("node: stopped")
)
