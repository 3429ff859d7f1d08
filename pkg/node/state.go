package node

// State is the lifecycle state of a Node.
type State int

const (
	// StateInitialized means the node is built but not started.
	StateInitialized State = iota

	// StateStarting means Start is in progress.
	StateStarting

	// StateRunning means the node is serving traffic.
	StateRunning

	// StateStopping means Stop is in progress.
	StateStopping

	// StateStopped means the node has shut down.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// CanStart reports whether Start is legal in this state.
func (s State) CanStart() bool {
	return s == StateInitialized
}

// CanStop reports whether Stop is legal in this state.
func (s State) CanStop() bool {
	return s == StateStarting || s == StateRunning
}
