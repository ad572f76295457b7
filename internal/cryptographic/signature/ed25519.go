package signature

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/entropy"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SeedSize       = ed25519.SeedSize
	Size           = ed25519.SignatureSize
)

var (
	ErrMalformedKey       = errors.New("malformed ed25519 public key")
	ErrMalformedSignature = errors.New("malformed ed25519 signature")
	ErrBadSignature       = errors.New("bad signature")
)

func NewEd25519Keypair() ([]byte, []byte, error) {
	seed := make([]byte, SeedSize)
	if err := entropy.Read(seed); err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	for i := range seed {
		seed[i] = 0
	}
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

// Verify separates structurally invalid input from a signature that
// does not match.
func Verify(pubKeyBytes, message, sig []byte) error {
	if len(pubKeyBytes) != PublicKeySize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedKey, PublicKeySize, len(pubKeyBytes))
	}
	if len(sig) != Size {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedSignature, Size, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, sig) {
		return ErrBadSignature
	}
	return nil
}
