package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultProvider implements Provider with the platform cipher suite:
// P-256 ECDH, HKDF-SHA256 and AES-GCM with 13-byte nonces.
type DefaultProvider struct{}

// NewDefaultProvider returns the standard provider.
func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{}
}

// NewAEAD implements Provider.
func (p *DefaultProvider) NewAEAD(key []byte) (AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}
	return &gcmAEAD{aead: aead}, nil
}

type gcmAEAD struct {
	aead cipher.AEAD
}

func (g *gcmAEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidKey
	}
	return g.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (g *gcmAEAD) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidKey
	}
	plaintext, err := g.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// NewKeyAgreement implements Provider.
func (p *DefaultProvider) NewKeyAgreement() (KeyAgreement, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &p256Agreement{private: private}, nil
}

type p256Agreement struct {
	private *ecdh.PrivateKey
}

func (a *p256Agreement) PublicKey() []byte {
	return a.private.PublicKey().Bytes()
}

func (a *p256Agreement) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return a.private.ECDH(peer)
}

// DeriveKey implements Provider using HKDF-SHA256 (RFC 5869).
func (p *DefaultProvider) DeriveKey(inputKey, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKey, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StretchPassword implements Provider using PBKDF2-HMAC-SHA256
// (NIST 800-132).
func (p *DefaultProvider) StretchPassword(password, salt []byte, iterations, length int) ([]byte, error) {
	if iterations < StretchIterationsMin || iterations > StretchIterationsMax {
		return nil, ErrInvalidIterations
	}
	return pbkdf2.Key(password, salt, iterations, length, sha256.New), nil
}

// RandomBytes implements Provider.
func (p *DefaultProvider) RandomBytes(out []byte) error {
	_, err := rand.Read(out)
	return err
}

// RandomUint64 implements Provider.
func (p *DefaultProvider) RandomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

var _ Provider = (*DefaultProvider)(nil)
