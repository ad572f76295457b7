package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/signature"
)

const (
	// SessionKeyVersion is a signed snapshot shared by the sender.
	SessionKeyVersion = 2
	// ExportVersion is an unsigned snapshot exported by a receiver.
	ExportVersion = 1

	RatchetSize = 4 * 32

	exportSize     = 1 + 4 + RatchetSize + signature.PublicKeySize
	sessionKeySize = exportSize + signature.Size
)

var ErrBadSessionKey = errors.New("bad session key")

// SessionKey is a megolm ratchet snapshot plus the group signing key.
type SessionKey struct {
	Version    uint8
	Index      uint32
	Ratchet    [RatchetSize]byte
	SigningKey [signature.PublicKeySize]byte
	Signature  [signature.Size]byte
}

// SignedPart is what the v2 signature covers.
func (k *SessionKey) SignedPart() []byte {
	b := make([]byte, 0, sessionKeySize)
	b = append(b, k.Version)
	b = binary.BigEndian.AppendUint32(b, k.Index)
	b = append(b, k.Ratchet[:]...)
	return append(b, k.SigningKey[:]...)
}

func (k *SessionKey) Encode() []byte {
	b := k.SignedPart()
	if k.Version == SessionKeyVersion {
		b = append(b, k.Signature[:]...)
	}
	return b
}

func DecodeSessionKey(b []byte) (*SessionKey, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadSessionKey)
	}
	k := &SessionKey{Version: b[0]}
	switch k.Version {
	case SessionKeyVersion:
		if len(b) != sessionKeySize {
			return nil, fmt.Errorf("%w: %d bytes", ErrBadSessionKey, len(b))
		}
		copy(k.Signature[:], b[exportSize:])
	case ExportVersion:
		if len(b) != exportSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrBadSessionKey, len(b))
		}
	default:
		return nil, fmt.Errorf("%w: version %d", ErrBadSessionKey, k.Version)
	}
	k.Index = binary.BigEndian.Uint32(b[1:5])
	copy(k.Ratchet[:], b[5:5+RatchetSize])
	copy(k.SigningKey[:], b[5+RatchetSize:exportSize])
	return k, nil
}

// Wipe clears the ratchet secret.
func (k *SessionKey) Wipe() {
	for i := range k.Ratchet {
		k.Ratchet[i] = 0
	}
}
