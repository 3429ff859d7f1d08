// Package im implements the interaction model: read, write, invoke and
// subscribe exchanges between nodes, the server-side subscription state
// machine with coalesced delta reporting, and the client-side
// orchestration including sustained auto-resubscription.
package im

import (
	"errors"
	"fmt"

	"github.com/emberlink/matter/pkg/exchange"
	"github.com/emberlink/matter/pkg/transport"
)

// Status is a peer-reported interaction status code.
type Status uint8

// Interaction status codes.
const (
	StatusSuccess              Status = 0x00
	StatusFailure              Status = 0x01
	StatusInvalidAction        Status = 0x80
	StatusUnsupportedEndpoint  Status = 0x7F
	StatusUnsupportedCluster   Status = 0xC3
	StatusUnsupportedAttribute Status = 0x86
	StatusUnsupportedCommand   Status = 0x81
	StatusInvalidSubscription  Status = 0x7D
	StatusResourceExhausted    Status = 0x89
	StatusBusy                 Status = 0x9C
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusInvalidAction:
		return "InvalidAction"
	case StatusUnsupportedEndpoint:
		return "UnsupportedEndpoint"
	case StatusUnsupportedCluster:
		return "UnsupportedCluster"
	case StatusUnsupportedAttribute:
		return "UnsupportedAttribute"
	case StatusUnsupportedCommand:
		return "UnsupportedCommand"
	case StatusInvalidSubscription:
		return "InvalidSubscription"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Status(0x%02X)", uint8(s))
	}
}

// StatusError wraps a non-success status reported by the peer. It marks
// "peer rejected" failures as opposed to transport trouble or local
// misuse.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("im: peer reported status %s", e.Status)
}

// AsStatusError unwraps err to a StatusError if one is in the chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Request and state errors.
var (
	ErrInvalidRequest     = errors.New("im: invalid request")
	ErrIntervalBounds     = errors.New("im: min interval floor exceeds max interval ceiling")
	ErrSubscriptionClosed = errors.New("im: subscription closed")
	ErrSubscriptionExists = errors.New("im: subscription id in use")
	ErrEngineClosed       = errors.New("im: engine closed")
	ErrGivingUp           = errors.New("im: giving up after repeated send failures")
)

// isPeerGone classifies an error as "the peer is unreachable": transport
// timeouts, network failures and closed sessions or exchanges. These
// drive subscription self-termination rather than fatal propagation.
func isPeerGone(err error) bool {
	if err == nil {
		return false
	}
	if transport.IsTransient(err) {
		return true
	}
	return errors.Is(err, exchange.ErrClosed) || errors.Is(err, exchange.ErrManagerClosed)
}
