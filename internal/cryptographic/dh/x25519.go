package dh

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/entropy"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.PointSize

var ErrBadPublicKey = errors.New("bad public key")

type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// NewX25519KeyPair generates a new X25519 key pair.
func NewX25519KeyPair() (priv, pub [KeySize]byte, err error) {
	if err = entropy.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub = PublicKey(priv)
	return priv, pub, nil
}

func NewKeyPair() (*KeyPair, error) {
	priv, pub, err := NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

func PublicKey(priv [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		// the base point is never low order
		panic(err)
	}
	copy(pub[:], out)
	return pub
}

// X25519SharedSecret performs priv * pub. Low order points are rejected.
func X25519SharedSecret(priv, pub [KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return out, nil
}

// ParsePublicKey checks length and copies b into a fixed array.
func ParsePublicKey(b []byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	if len(b) != KeySize {
		return pub, fmt.Errorf("%w: want %d bytes, got %d", ErrBadPublicKey, KeySize, len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

func Equal(a, b [KeySize]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
