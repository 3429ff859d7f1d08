package session

// Type identifies the establishment mechanism of a secure session.
type Type uint8

const (
	// TypePASE sessions come out of passcode-authenticated establishment
	// and are not bound to a fabric.
	TypePASE Type = iota
	// TypeCASE sessions come out of certificate-authenticated
	// establishment and carry an operational fabric identity.
	TypeCASE
)

func (t Type) String() string {
	switch t {
	case TypePASE:
		return "PASE"
	case TypeCASE:
		return "CASE"
	default:
		return "Unknown"
	}
}

// Role records which side of the establishment this node played. It
// selects the encrypt/decrypt key orientation.
type Role uint8

const (
	// RoleInitiator opened the establishment exchange.
	RoleInitiator Role = iota
	// RoleResponder answered it.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}
