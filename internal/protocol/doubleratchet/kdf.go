package doubleratchet

import (
	"errors"

	"e2e_ratchet/internal/cryptographic/encryption"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/memzero"
)

const KeySize = 32

var (
	rootInfo    = []byte("ROOT")
	ratchetInfo = []byte("RATCHET")
	messageInfo = []byte("MESSAGE_KEYS")

	chainKeySeed   = []byte{0x02}
	messageKeySeed = []byte{0x01}
)

type (
	ChainKey struct {
		Key   [KeySize]byte
		Index uint32
	}

	MessageKey struct {
		Key   [KeySize]byte
		Index uint32
	}
)

// InitialRootKey derives the first root key and chain key from the
// agreed shared secret.
func InitialRootKey(sharedSecret []byte) (rootKey, chainKey [KeySize]byte, err error) {
	buffer := make([]byte, 2*KeySize)
	defer memzero.Zero(buffer)
	if _, err = kdf.HKDF(sharedSecret, nil, rootInfo, buffer); err != nil {
		return rootKey, chainKey, err
	}
	copy(rootKey[:], buffer[:KeySize])
	copy(chainKey[:], buffer[KeySize:])
	return rootKey, chainKey, nil
}

// KDFRootKey derives a new root key and chain key from the old root key
// and a DH output. The old root key is the HKDF salt.
func KDFRootKey(rootKey [KeySize]byte, dhOut []byte) (newRootKey, newChainKey [KeySize]byte, err error) {
	buffer := make([]byte, 2*KeySize)
	defer memzero.Zero(buffer)
	if _, err = kdf.HKDF(dhOut, rootKey[:], ratchetInfo, buffer); err != nil {
		return newRootKey, newChainKey, err
	}
	copy(newRootKey[:], buffer[:KeySize])
	copy(newChainKey[:], buffer[KeySize:])
	return newRootKey, newChainKey, nil
}

// Next steps the chain key forward.
func (c ChainKey) Next() ChainKey {
	next := ChainKey{Index: c.Index + 1}
	copy(next.Key[:], kdf.HMAC(c.Key[:], chainKeySeed))
	return next
}

// MessageKey derives the key for message number c.Index.
func (c ChainKey) MessageKey() MessageKey {
	mk := MessageKey{Index: c.Index}
	copy(mk.Key[:], kdf.HMAC(c.Key[:], messageKeySeed))
	return mk
}

func (k *MessageKey) cipherKeys() (key, nonce []byte, err error) {
	buf, err := kdf.Expand(k.Key[:], nil, messageInfo, encryption.KeySize+encryption.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return buf[:encryption.KeySize], buf[encryption.KeySize:], nil
}

func (k *MessageKey) Seal(plaintext, aad []byte) ([]byte, error) {
	key, nonce, err := k.cipherKeys()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	return encryption.AEADSeal(key, nonce, plaintext, aad)
}

func (k *MessageKey) Open(ciphertext, aad []byte) ([]byte, error) {
	key, nonce, err := k.cipherKeys()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	plain, err := encryption.AEADOpen(key, nonce, ciphertext, aad)
	if errors.Is(err, encryption.ErrAuthentication) || errors.Is(err, encryption.ErrShortInput) {
		return nil, message.ErrBadMessageMAC
	}
	return plain, err
}

func (k *MessageKey) Wipe() {
	memzero.Zero(k.Key[:])
}

func (c *ChainKey) Wipe() {
	memzero.Zero(c.Key[:])
}
