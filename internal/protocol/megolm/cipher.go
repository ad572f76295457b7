package megolm

import (
	"errors"

	"e2e_ratchet/internal/cryptographic/encryption"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/cryptographic/signature"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/memzero"
)

var megolmInfo = []byte("MEGOLM_KEYS")

func (r *Ratchet) cipherKeys() (key, nonce []byte, err error) {
	b := r.Bytes()
	defer memzero.Zero(b[:])
	buf, err := kdf.Expand(b[:], nil, megolmInfo, encryption.KeySize+encryption.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return buf[:encryption.KeySize], buf[encryption.KeySize:], nil
}

// Seal encrypts plaintext at the current counter and signs the result.
// The ratchet is not advanced.
func (r *Ratchet) Seal(plaintext, signingKey []byte) ([]byte, error) {
	key, nonce, err := r.cipherKeys()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	msg := &message.Group{Index: r.Counter}
	ct, err := encryption.AEADSeal(key, nonce, plaintext, msg.Header())
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	copy(msg.Signature[:], signature.ED25519Sign(signingKey, msg.SignedPart()))
	return msg.Encode(), nil
}

// Open decrypts msg, which must already be at r.Counter.
func (r *Ratchet) Open(msg *message.Group) ([]byte, error) {
	key, nonce, err := r.cipherKeys()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	plain, err := encryption.AEADOpen(key, nonce, msg.Ciphertext, msg.Header())
	if errors.Is(err, encryption.ErrAuthentication) || errors.Is(err, encryption.ErrShortInput) {
		return nil, message.ErrBadMessageMAC
	}
	return plain, err
}
