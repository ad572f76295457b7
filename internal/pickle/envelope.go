package pickle

import (
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/encryption"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/utils/memzero"
)

// ErrBadAccountKey means the pickle did not authenticate under the key.
var ErrBadAccountKey = errors.New("bad pickle key")

var pickleInfo = []byte("Pickle")

// Kind binds a blob to the object type that produced it.
type Kind string

const (
	KindAccount       Kind = "Account"
	KindSession       Kind = "Session"
	KindOutboundGroup Kind = "OutboundGroupSession"
	KindInboundGroup  Kind = "InboundGroupSession"
	KindPkDecryption  Kind = "PkDecryption"
)

func deriveKey(key []byte) ([]byte, error) {
	return kdf.Expand(key, nil, pickleInfo, encryption.KeySize)
}

// Seal encrypts raw under key and encodes it. raw is wiped.
func Seal(kind Kind, key, raw []byte, enc model.Encoding) (string, error) {
	defer memzero.Zero(raw)

	k, err := deriveKey(key)
	if err != nil {
		return "", err
	}
	defer memzero.Zero(k)

	blob, err := encryption.XSeal(k, raw, []byte(kind))
	if err != nil {
		return "", err
	}
	return enc.Encode(blob), nil
}

// Open reverses Seal. The caller must wipe the result.
//
// ErrCorruptedPickle is only reported when the blob is too short to hold
// a nonce and tag. Any other damage, truncation included, fails
// authentication exactly like a wrong key and is reported as
// ErrBadAccountKey.
func Open(kind Kind, key []byte, pickled string, enc model.Encoding) ([]byte, error) {
	blob, err := enc.Decode(pickled)
	if err != nil {
		return nil, err
	}

	k, err := deriveKey(key)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(k)

	raw, err := encryption.XOpen(k, blob, []byte(kind))
	switch {
	case errors.Is(err, encryption.ErrShortInput):
		return nil, fmt.Errorf("%w: %v", ErrCorruptedPickle, err)
	case errors.Is(err, encryption.ErrAuthentication):
		return nil, ErrBadAccountKey
	case err != nil:
		return nil, err
	}
	return raw, nil
}
