package olm

import (
	"fmt"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/cryptographic/encryption"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/memzero"
)

const pkDecryptionPickleVersion = 1

var pkInfo = []byte("PK_ENCRYPTION")

// PkMessage is a one-shot ciphertext to a Curve25519 key.
type PkMessage struct {
	Ciphertext   string `json:"ciphertext"`
	EphemeralKey string `json:"ephemeral"`
}

func pkKeys(shared []byte) (key, nonce []byte, err error) {
	buf, err := kdf.Expand(shared, nil, pkInfo, encryption.KeySize+encryption.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return buf[:encryption.KeySize], buf[encryption.KeySize:], nil
}

type PkEncryption struct {
	enc       model.Encoding
	recipient [dh.KeySize]byte
	released  bool
}

func NewPkEncryption(recipientKey string, enc model.Encoding) (*PkEncryption, error) {
	key, err := decodeKey(enc, "recipient key", recipientKey)
	if err != nil {
		return nil, err
	}
	return &PkEncryption{enc: enc, recipient: key}, nil
}

func (p *PkEncryption) Encrypt(plaintext []byte) (*PkMessage, error) {
	if p == nil {
		return nil, ErrInvalidInput
	}
	if p.released {
		return nil, ErrReleased
	}
	eph, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&eph.Private)

	shared, err := dh.X25519SharedSecret(eph.Private, p.recipient)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared)

	key, nonce, err := pkKeys(shared)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	ct, err := encryption.AEADSeal(key, nonce, plaintext, eph.Public[:])
	if err != nil {
		return nil, err
	}
	return &PkMessage{
		Ciphertext:   p.enc.Encode(ct),
		EphemeralKey: p.enc.Encode(eph.Public[:]),
	}, nil
}

func (p *PkEncryption) Release() {
	if p != nil {
		p.released = true
	}
}

// PkDecryption owns a Curve25519 key pair and decrypts PkMessages.
type PkDecryption struct {
	enc      model.Encoding
	key      dh.KeyPair
	released bool
}

func NewPkDecryption(enc model.Encoding) (*PkDecryption, error) {
	kp, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	p := &PkDecryption{enc: enc, key: *kp}
	memzero.Zero32(&kp.Private)
	return p, nil
}

// NewPkDecryptionFromPrivateKey rebuilds the key pair from its private half.
func NewPkDecryptionFromPrivateKey(priv []byte, enc model.Encoding) (*PkDecryption, error) {
	if len(priv) != dh.KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidInput, dh.KeySize)
	}
	p := &PkDecryption{enc: enc}
	copy(p.key.Private[:], priv)
	p.key.Public = dh.PublicKey(p.key.Private)
	return p, nil
}

func (p *PkDecryption) check() error {
	if p == nil {
		return ErrInvalidInput
	}
	if p.released {
		return ErrReleased
	}
	return nil
}

func (p *PkDecryption) PublicKey() (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.enc.Encode(p.key.Public[:]), nil
}

// PrivateKey returns a copy of the private key.
func (p *PkDecryption) PrivateKey() ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.key.Private[:]...), nil
}

func (p *PkDecryption) Decrypt(msg *PkMessage) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if msg == nil || msg.Ciphertext == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	eph, err := decodeKey(p.enc, "ephemeral key", msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	ct, err := p.enc.Decode(msg.Ciphertext)
	if err != nil {
		return nil, err
	}

	shared, err := dh.X25519SharedSecret(p.key.Private, eph)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared)

	key, nonce, err := pkKeys(shared)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	plain, err := encryption.AEADOpen(key, nonce, ct, eph[:])
	if err != nil {
		return nil, message.ErrBadMessageMAC
	}
	return plain, nil
}

func (p *PkDecryption) Pickle(key []byte) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty pickle key", ErrInvalidInput)
	}
	w := pickle.NewWriter(pkDecryptionPickleVersion)
	w.Fixed(p.key.Public[:])
	w.Fixed(p.key.Private[:])
	return pickle.Seal(pickle.KindPkDecryption, key, w.Bytes(), p.enc)
}

func UnpicklePkDecryption(pickled string, key []byte, enc model.Encoding) (*PkDecryption, error) {
	if len(key) == 0 || pickled == "" {
		return nil, fmt.Errorf("%w: empty pickle or key", ErrInvalidInput)
	}
	raw, err := pickle.Open(pickle.KindPkDecryption, key, pickled, enc)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	p := &PkDecryption{enc: enc}
	r := pickle.NewReader(raw)
	r.Version(pkDecryptionPickleVersion)
	r.Fixed(p.key.Public[:])
	r.Fixed(p.key.Private[:])
	if err := r.Finish(); err != nil {
		p.Release()
		return nil, err
	}
	return p, nil
}

func (p *PkDecryption) Release() {
	if p == nil || p.released {
		return
	}
	memzero.Zero32(&p.key.Private)
	p.released = true
}
