package olm

import (
	"fmt"

	"e2e_ratchet/internal/cryptographic/entropy"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/cryptographic/signature"
	"e2e_ratchet/internal/model"
)

// Utility hashes and verifies without any key state.
type Utility struct {
	enc      model.Encoding
	released bool
}

func NewUtility(enc model.Encoding) *Utility {
	return &Utility{enc: enc}
}

func (u *Utility) check() error {
	if u == nil {
		return ErrInvalidInput
	}
	if u.released {
		return ErrReleased
	}
	return nil
}

// Sha256 returns the encoded SHA-256 digest of message.
func (u *Utility) Sha256(message []byte) (string, error) {
	if err := u.check(); err != nil {
		return "", err
	}
	return u.enc.Encode(kdf.Sha256(message)), nil
}

// VerifyEd25519 returns nil for a valid signature. Undecodable or
// wrongly sized input fails with ErrMalformedKey or
// ErrMalformedSignature; a well formed signature that does not match
// fails with ErrBadSignature.
func (u *Utility) VerifyEd25519(sig, key string, message []byte) error {
	if err := u.check(); err != nil {
		return err
	}
	keyBytes, err := u.enc.Decode(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	sigBytes, err := u.enc.Decode(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return signature.Verify(keyBytes, message, sigBytes)
}

// RandomKey returns 32 random bytes suitable as a pickle key.
func (u *Utility) RandomKey() ([]byte, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if err := entropy.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (u *Utility) Release() {
	if u != nil {
		u.released = true
	}
}
