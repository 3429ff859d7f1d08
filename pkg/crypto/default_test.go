package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDefaultProvider_AEADRoundTrip(t *testing.T) {
	p := NewDefaultProvider()

	key := make([]byte, SymmetricKeySize)
	p.RandomBytes(key)

	aead, err := p.NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD() error = %v", err)
	}

	nonce := make([]byte, NonceSize)
	p.RandomBytes(nonce)

	plaintext := []byte("report data")
	aad := []byte("header")

	sealed, err := aead.Seal(nonce, plaintext, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("Seal() output contains plaintext")
	}

	opened, err := aead.Open(nonce, sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestDefaultProvider_AEADTamperDetected(t *testing.T) {
	p := NewDefaultProvider()

	key := make([]byte, SymmetricKeySize)
	aead, _ := p.NewAEAD(key)

	nonce := make([]byte, NonceSize)
	sealed, _ := aead.Seal(nonce, []byte("payload"), nil)

	sealed[0] ^= 0xFF
	if _, err := aead.Open(nonce, sealed, nil); err != ErrAuthentication {
		t.Errorf("Open() tampered error = %v, want ErrAuthentication", err)
	}
}

func TestDefaultProvider_AEADRejectsBadKey(t *testing.T) {
	p := NewDefaultProvider()
	if _, err := p.NewAEAD(make([]byte, 7)); err != ErrInvalidKey {
		t.Errorf("NewAEAD(short key) error = %v, want ErrInvalidKey", err)
	}
}

func TestDefaultProvider_KeyAgreement(t *testing.T) {
	p := NewDefaultProvider()

	alice, err := p.NewKeyAgreement()
	if err != nil {
		t.Fatalf("NewKeyAgreement() error = %v", err)
	}
	bob, err := p.NewKeyAgreement()
	if err != nil {
		t.Fatalf("NewKeyAgreement() error = %v", err)
	}

	s1, err := alice.SharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret() error = %v", err)
	}
	s2, err := bob.SharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret() error = %v", err)
	}

	if !bytes.Equal(s1, s2) {
		t.Error("shared secrets do not match")
	}
}

func TestDefaultProvider_DeriveKey(t *testing.T) {
	p := NewDefaultProvider()

	k1, err := p.DeriveKey([]byte("secret"), []byte("salt"), []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(k1) != 32 {
		t.Errorf("DeriveKey() length = %d, want 32", len(k1))
	}

	// Deterministic for identical inputs
	k2, _ := p.DeriveKey([]byte("secret"), []byte("salt"), []byte("info"), 32)
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey() should be deterministic")
	}

	// Sensitive to info
	k3, _ := p.DeriveKey([]byte("secret"), []byte("salt"), []byte("other"), 32)
	if bytes.Equal(k1, k3) {
		t.Error("DeriveKey() should differ for different info")
	}
}

func TestDefaultProvider_StretchPassword(t *testing.T) {
	p := NewDefaultProvider()

	t.Run("known vector", func(t *testing.T) {
		// PBKDF2-HMAC-SHA256, 1000 iterations, empty password.
		got, err := p.StretchPassword(nil, []byte("salt"), 1000, 32)
		if err != nil {
			t.Fatalf("StretchPassword() error = %v", err)
		}
		want, _ := hex.DecodeString("94fb56af3ea22e5d3ed1b054085b136ca301b75d8b406c802c489479f27387c6")
		if !bytes.Equal(got, want) {
			t.Errorf("StretchPassword() = %x, want %x", got, want)
		}
	})

	t.Run("iteration bounds", func(t *testing.T) {
		if _, err := p.StretchPassword([]byte("pw"), []byte("salt"), StretchIterationsMin-1, 32); err != ErrInvalidIterations {
			t.Errorf("StretchPassword(low) error = %v, want ErrInvalidIterations", err)
		}
		if _, err := p.StretchPassword([]byte("pw"), []byte("salt"), StretchIterationsMax+1, 32); err != ErrInvalidIterations {
			t.Errorf("StretchPassword(high) error = %v, want ErrInvalidIterations", err)
		}
	})
}
