package session

import "errors"

var (
	ErrInvalidSessionType = errors.New("session: invalid session type")
	ErrInvalidRole        = errors.New("session: invalid session role")
	ErrInvalidSessionID   = errors.New("session: invalid session id")
	ErrInvalidKey         = errors.New("session: invalid key material")
	ErrInvalidNodeID      = errors.New("session: invalid node id")
	ErrSessionNotFound    = errors.New("session: session not found")
	ErrSessionClosed      = errors.New("session: session closed")
	ErrNoGroupKey         = errors.New("session: no operational key for group")
	ErrManagerClosed      = errors.New("session: manager closed")
)
