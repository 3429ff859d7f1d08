package transport

import "errors"

// Transport errors. These sentinels are the classification surface upper
// layers use to decide whether a failure is potentially transient.
var (
	// ErrClosed is returned when an operation hits a closed channel.
	ErrClosed = errors.New("transport: closed")

	// ErrTimeout is returned when a send or receive deadline expires.
	ErrTimeout = errors.New("transport: timeout")

	// ErrNetwork is returned for delivery failures below the channel
	// contract (unreachable peer, interface down, dropped connection).
	ErrNetwork = errors.New("transport: network failure")

	// ErrInvalidAddress is returned for an unusable peer address.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoChannel is returned when no channel serves the address's
	// transport type.
	ErrNoChannel = errors.New("transport: no channel for transport type")

	// ErrMessageTooLarge is returned when a payload exceeds the channel MTU.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// IsTransient reports whether err indicates a potentially transient
// delivery failure (timeout, network error, closed channel). Upper layers
// treat these as "the peer may be gone" rather than as programming errors.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrClosed)
}
