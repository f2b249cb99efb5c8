package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair used as a host's static handshake identity.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secretKey [32]byte
	if _, err := rand.Read(secretKey[:]); err != nil {
		return nil, fmt.Errorf("failed to read random secret key: %w", err)
	}
	defer ZeroBytes(secretKey[:])

	return FromSecretKey(secretKey)
}

// FromSecretKey creates a key pair from an existing private key, deriving the
// public half with X25519.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)
	return keyPair, nil
}

// ParseSecretKeyHex decodes a hex-encoded 32-byte private key, as stored in
// host option files, and derives its key pair.
func ParseSecretKeyHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key encoding: %w", err)
	}
	defer ZeroBytes(raw)

	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}

	var secretKey [32]byte
	copy(secretKey[:], raw)
	defer ZeroBytes(secretKey[:])

	return FromSecretKey(secretKey)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
