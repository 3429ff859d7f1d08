// Package crypto defines the cryptographic provider contract consumed by
// the session layer. The session and interaction engines never implement
// primitives themselves; they call a Provider for key agreement, key
// derivation, authenticated encryption and randomness.
package crypto

import "errors"

// Provider errors.
var (
	// ErrInvalidKey is returned when key material has an invalid length.
	ErrInvalidKey = errors.New("crypto: invalid key length")

	// ErrAuthentication is returned when AEAD open fails authentication.
	ErrAuthentication = errors.New("crypto: authentication failed")

	// ErrInvalidRange is returned for an empty random-int range.
	ErrInvalidRange = errors.New("crypto: invalid random range")

	// ErrInvalidIterations is returned when a password-stretching
	// iteration count is outside the allowed bounds.
	ErrInvalidIterations = errors.New("crypto: iteration count out of bounds")
)

// Iteration bounds for StretchPassword.
const (
	// StretchIterationsMin is the minimum allowed iteration count.
	StretchIterationsMin = 1000

	// StretchIterationsMax is the maximum allowed iteration count.
	StretchIterationsMax = 100000
)

// Sizes for symmetric material.
const (
	// SymmetricKeySize is the AEAD key size in bytes (AES-128).
	SymmetricKeySize = 16

	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = 13
)

// AEAD seals and opens payloads with associated data.
// A cipher is bound to one key; nonces are supplied per message.
type AEAD interface {
	// Seal encrypts and authenticates plaintext with the given nonce and
	// additional authenticated data, returning ciphertext||tag.
	Seal(nonce, plaintext, aad []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext||tag.
	// Returns ErrAuthentication on tag mismatch.
	Open(nonce, ciphertext, aad []byte) ([]byte, error)
}

// KeyAgreement performs an ECDH exchange.
type KeyAgreement interface {
	// PublicKey returns our uncompressed public key.
	PublicKey() []byte

	// SharedSecret computes the ECDH shared secret with the peer's
	// uncompressed public key.
	SharedSecret(peerPublicKey []byte) ([]byte, error)
}

// Provider supplies all primitives the session layer needs.
// Implementations must be safe for concurrent use.
type Provider interface {
	// NewAEAD constructs an AEAD cipher over a symmetric key.
	NewAEAD(key []byte) (AEAD, error)

	// NewKeyAgreement generates a fresh ephemeral key-agreement context.
	NewKeyAgreement() (KeyAgreement, error)

	// DeriveKey derives length bytes from input keying material
	// using HKDF-SHA256.
	DeriveKey(inputKey, salt, info []byte, length int) ([]byte, error)

	// StretchPassword derives length bytes from a low-entropy password
	// using PBKDF2-HMAC-SHA256. The handshake layer uses it to turn a
	// setup passcode into verifier keying material. Iterations must be
	// within [StretchIterationsMin, StretchIterationsMax].
	StretchPassword(password, salt []byte, iterations, length int) ([]byte, error)

	// RandomBytes fills out with cryptographically secure random bytes.
	RandomBytes(out []byte) error

	// RandomUint64 returns a uniformly random uint64.
	RandomUint64() (uint64, error)
}
