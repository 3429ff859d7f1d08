package session

import "time"

// Defaults for negotiated session parameters, used when a peer omits a
// field during establishment.
const (
	DefaultIdleInterval    = 500 * time.Millisecond
	DefaultActiveInterval  = 300 * time.Millisecond
	DefaultActiveThreshold = 4000 * time.Millisecond

	DefaultDataModelRevision        = 17
	DefaultInteractionModelRevision = 11
	DefaultSpecificationVersion     = 0x01030000
	DefaultMaxPathsPerInvoke        = 1
)

// Parameters carries the per-session operational parameters exchanged
// during session establishment. The zero value means "peer said nothing";
// WithDefaults fills the gaps.
type Parameters struct {
	// IdleInterval is the peer's expected polling interval while idle.
	IdleInterval time.Duration
	// ActiveInterval is the peer's expected polling interval while active.
	ActiveInterval time.Duration
	// ActiveThreshold is how long the peer stays active after traffic.
	ActiveThreshold time.Duration

	DataModelRevision        uint16
	InteractionModelRevision uint16
	SpecificationVersion     uint32
	MaxPathsPerInvoke        uint16
}

// WithDefaults returns a copy with every unset field replaced by its
// default value.
func (p Parameters) WithDefaults() Parameters {
	if p.IdleInterval == 0 {
		p.IdleInterval = DefaultIdleInterval
	}
	if p.ActiveInterval == 0 {
		p.ActiveInterval = DefaultActiveInterval
	}
	if p.ActiveThreshold == 0 {
		p.ActiveThreshold = DefaultActiveThreshold
	}
	if p.DataModelRevision == 0 {
		p.DataModelRevision = DefaultDataModelRevision
	}
	if p.InteractionModelRevision == 0 {
		p.InteractionModelRevision = DefaultInteractionModelRevision
	}
	if p.SpecificationVersion == 0 {
		p.SpecificationVersion = DefaultSpecificationVersion
	}
	if p.MaxPathsPerInvoke == 0 {
		p.MaxPathsPerInvoke = DefaultMaxPathsPerInvoke
	}
	return p
}
