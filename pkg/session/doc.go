// Package session implements the secure session layer: the session family
// (secure node sessions, unsecured handshake sessions, group sessions),
// negotiated session parameters, resumption records and the Manager that
// owns the whole session population for a node.
//
// Sessions are produced by the CASE/PASE handshake layer (treated here as
// a black box whose output is a SecureSessionConfig) or by resumption, and
// are destroyed on explicit close, peer-loss detection, or session-ID
// pressure (the least-recently-active session is evicted so allocation
// always makes forward progress).
package session
