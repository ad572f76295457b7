package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/cryptographic/encryption"
	"e2e_ratchet/internal/cryptographic/signature"
)

const (
	Version = 3

	// version | ratchet key | counter
	NormalHeaderSize = 1 + dh.KeySize + 4
	// version | one-time key | base key | identity key
	PreKeyHeaderSize = 1 + 3*dh.KeySize
	// version | index
	GroupHeaderSize = 1 + 4
)

var (
	ErrBadMessageFormat  = errors.New("bad message format")
	ErrBadMessageVersion = errors.New("bad message version")
	ErrBadMessageMAC     = errors.New("bad message mac")
)

type (
	// Normal is a double ratchet message.
	Normal struct {
		RatchetKey [dh.KeySize]byte
		Counter    uint32
		Ciphertext []byte
	}

	// PreKey wraps the first normal messages of a session together with
	// the keys the responder needs to complete the agreement.
	PreKey struct {
		OneTimeKey  [dh.KeySize]byte
		BaseKey     [dh.KeySize]byte
		IdentityKey [dh.KeySize]byte
		Message     []byte
	}

	// Group is a megolm message signed by the group signing key.
	Group struct {
		Index      uint32
		Ciphertext []byte
		Signature  [signature.Size]byte
	}
)

// Header is the authenticated prefix of the encoded message.
func (m *Normal) Header() []byte {
	b := make([]byte, 0, NormalHeaderSize)
	b = append(b, Version)
	b = append(b, m.RatchetKey[:]...)
	return binary.BigEndian.AppendUint32(b, m.Counter)
}

func (m *Normal) Encode() []byte {
	return append(m.Header(), m.Ciphertext...)
}

func checkVersion(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty", ErrBadMessageFormat)
	}
	if b[0] != Version {
		return fmt.Errorf("%w: %d", ErrBadMessageVersion, b[0])
	}
	return nil
}

func DecodeNormal(b []byte) (*Normal, error) {
	if err := checkVersion(b); err != nil {
		return nil, err
	}
	if len(b) < NormalHeaderSize+encryption.TagSize {
		return nil, fmt.Errorf("%w: normal message of %d bytes", ErrBadMessageFormat, len(b))
	}
	m := &Normal{}
	copy(m.RatchetKey[:], b[1:1+dh.KeySize])
	m.Counter = binary.BigEndian.Uint32(b[1+dh.KeySize : NormalHeaderSize])
	m.Ciphertext = append([]byte(nil), b[NormalHeaderSize:]...)
	return m, nil
}

func (m *PreKey) Encode() []byte {
	b := make([]byte, 0, PreKeyHeaderSize+len(m.Message))
	b = append(b, Version)
	b = append(b, m.OneTimeKey[:]...)
	b = append(b, m.BaseKey[:]...)
	b = append(b, m.IdentityKey[:]...)
	return append(b, m.Message...)
}

// DecodePreKey also checks that the inner message is a well formed
// normal message.
func DecodePreKey(b []byte) (*PreKey, error) {
	if err := checkVersion(b); err != nil {
		return nil, err
	}
	if len(b) < PreKeyHeaderSize+NormalHeaderSize+encryption.TagSize {
		return nil, fmt.Errorf("%w: pre-key message of %d bytes", ErrBadMessageFormat, len(b))
	}
	m := &PreKey{}
	off := 1
	copy(m.OneTimeKey[:], b[off:off+dh.KeySize])
	off += dh.KeySize
	copy(m.BaseKey[:], b[off:off+dh.KeySize])
	off += dh.KeySize
	copy(m.IdentityKey[:], b[off:off+dh.KeySize])
	off += dh.KeySize
	m.Message = append([]byte(nil), b[off:]...)
	if _, err := DecodeNormal(m.Message); err != nil {
		return nil, err
	}
	return m, nil
}

// SignedPart is everything the group signature covers.
func (m *Group) SignedPart() []byte {
	b := make([]byte, 0, GroupHeaderSize+len(m.Ciphertext))
	b = append(b, Version)
	b = binary.BigEndian.AppendUint32(b, m.Index)
	return append(b, m.Ciphertext...)
}

// Header is the authenticated data of the group ciphertext.
func (m *Group) Header() []byte {
	return m.SignedPart()[:GroupHeaderSize]
}

func (m *Group) Encode() []byte {
	return append(m.SignedPart(), m.Signature[:]...)
}

func DecodeGroup(b []byte) (*Group, error) {
	if err := checkVersion(b); err != nil {
		return nil, err
	}
	if len(b) < GroupHeaderSize+encryption.TagSize+signature.Size {
		return nil, fmt.Errorf("%w: group message of %d bytes", ErrBadMessageFormat, len(b))
	}
	m := &Group{}
	m.Index = binary.BigEndian.Uint32(b[1:GroupHeaderSize])
	end := len(b) - signature.Size
	m.Ciphertext = append([]byte(nil), b[GroupHeaderSize:end]...)
	copy(m.Signature[:], b[end:])
	return m, nil
}
