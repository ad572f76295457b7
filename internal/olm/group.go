package olm

import (
	"fmt"

	"e2e_ratchet/internal/cryptographic/signature"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/megolm"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/log"
	"e2e_ratchet/internal/utils/memzero"

	"go.uber.org/zap"
)

const (
	outboundGroupPickleVersion = 1
	inboundGroupPickleVersion  = 1
)

// OutboundGroupSession encrypts to every holder of its session key.
type OutboundGroupSession struct {
	enc model.Encoding

	ratchet     megolm.Ratchet
	signingPub  []byte
	signingPriv []byte

	released bool
}

func NewOutboundGroupSession(enc model.Encoding) (*OutboundGroupSession, error) {
	r, err := megolm.NewRatchet(0)
	if err != nil {
		return nil, err
	}
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		r.Wipe()
		return nil, err
	}
	s := &OutboundGroupSession{
		enc:         enc,
		ratchet:     *r,
		signingPub:  pub,
		signingPriv: priv,
	}
	r.Wipe()
	log.Debug("outbound group session created", zap.String("session_id", s.id()))
	return s, nil
}

func (s *OutboundGroupSession) check() error {
	if s == nil {
		return ErrInvalidInput
	}
	if s.released {
		return ErrReleased
	}
	return nil
}

func (s *OutboundGroupSession) id() string {
	return s.enc.Encode(s.signingPub)
}

// ID is the group signing key, shared by every inbound copy.
func (s *OutboundGroupSession) ID() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.id(), nil
}

// MessageIndex is the index the next Encrypt will use.
func (s *OutboundGroupSession) MessageIndex() (uint32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ratchet.Counter, nil
}

// SessionKey exports the current ratchet signed by the group key.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	k := &message.SessionKey{
		Version: message.SessionKeyVersion,
		Index:   s.ratchet.Counter,
		Ratchet: s.ratchet.Bytes(),
	}
	defer k.Wipe()
	copy(k.SigningKey[:], s.signingPub)
	copy(k.Signature[:], signature.ED25519Sign(s.signingPriv, k.SignedPart()))

	b := k.Encode()
	defer memzero.Zero(b)
	return s.enc.Encode(b), nil
}

func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	b, err := s.ratchet.Seal(plaintext, s.signingPriv)
	if err != nil {
		return "", err
	}
	s.ratchet.Advance()
	return s.enc.Encode(b), nil
}

func (s *OutboundGroupSession) Pickle(key []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty pickle key", ErrInvalidInput)
	}
	w := pickle.NewWriter(outboundGroupPickleVersion)
	s.ratchet.WritePickle(w)
	w.Fixed(s.signingPub)
	w.Fixed(s.signingPriv)
	return pickle.Seal(pickle.KindOutboundGroup, key, w.Bytes(), s.enc)
}

func UnpickleOutboundGroupSession(pickled string, key []byte, enc model.Encoding) (*OutboundGroupSession, error) {
	if len(key) == 0 || pickled == "" {
		return nil, fmt.Errorf("%w: empty pickle or key", ErrInvalidInput)
	}
	raw, err := pickle.Open(pickle.KindOutboundGroup, key, pickled, enc)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	s := &OutboundGroupSession{
		enc:         enc,
		signingPub:  make([]byte, signature.PublicKeySize),
		signingPriv: make([]byte, signature.PrivateKeySize),
	}
	r := pickle.NewReader(raw)
	r.Version(outboundGroupPickleVersion)
	s.ratchet.ReadPickle(r)
	r.Fixed(s.signingPub)
	r.Fixed(s.signingPriv)
	if err := r.Finish(); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *OutboundGroupSession) Release() {
	if s == nil || s.released {
		return
	}
	s.ratchet.Wipe()
	memzero.Zero(s.signingPriv)
	s.released = true
}

// InboundGroupSession decrypts messages from one OutboundGroupSession.
// It keeps the ratchet at the first known index and the furthest one
// reached so far; neither ever moves backwards.
type InboundGroupSession struct {
	enc model.Encoding

	initial    megolm.Ratchet
	latest     megolm.Ratchet
	signingKey [signature.PublicKeySize]byte
	verified   bool

	released bool
}

// NewInboundGroupSession imports a signed session key.
func NewInboundGroupSession(sessionKey string, enc model.Encoding) (*InboundGroupSession, error) {
	k, err := decodeSessionKey(sessionKey, enc)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	if k.Version != message.SessionKeyVersion {
		return nil, fmt.Errorf("%w: expected signed session key", ErrBadSessionKey)
	}
	if err := signature.Verify(k.SigningKey[:], k.SignedPart(), k.Signature[:]); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return newInboundGroupSession(k, enc, true), nil
}

// ImportInboundGroupSession loads a key produced by Export.
func ImportInboundGroupSession(exported string, enc model.Encoding) (*InboundGroupSession, error) {
	k, err := decodeSessionKey(exported, enc)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	if k.Version != message.ExportVersion {
		return nil, fmt.Errorf("%w: expected exported session key", ErrBadSessionKey)
	}
	return newInboundGroupSession(k, enc, false), nil
}

func decodeSessionKey(s string, enc model.Encoding) (*message.SessionKey, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty session key", ErrInvalidInput)
	}
	b, err := enc.Decode(s)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(b)
	return message.DecodeSessionKey(b)
}

func newInboundGroupSession(k *message.SessionKey, enc model.Encoding, verified bool) *InboundGroupSession {
	s := &InboundGroupSession{
		enc:        enc,
		initial:    *megolm.FromBytes(k.Ratchet, k.Index),
		signingKey: k.SigningKey,
		verified:   verified,
	}
	s.latest = s.initial
	log.Debug("inbound group session imported",
		zap.String("session_id", s.id()), zap.Uint32("first_known_index", k.Index))
	return s
}

func (s *InboundGroupSession) check() error {
	if s == nil {
		return ErrInvalidInput
	}
	if s.released {
		return ErrReleased
	}
	return nil
}

func (s *InboundGroupSession) id() string {
	return s.enc.Encode(s.signingKey[:])
}

func (s *InboundGroupSession) ID() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.id(), nil
}

func (s *InboundGroupSession) FirstKnownIndex() (uint32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.initial.Counter, nil
}

// IsVerified reports whether the signing key is known to belong to the
// sender: the session came from a signed key or has decrypted a message.
func (s *InboundGroupSession) IsVerified() (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.verified, nil
}

// ratchetAt derives a ratchet at index without touching the session.
func (s *InboundGroupSession) ratchetAt(index uint32) (megolm.Ratchet, bool, error) {
	if index < s.initial.Counter {
		return megolm.Ratchet{}, false, fmt.Errorf("%w: %d is before %d", ErrUnknownMessageIndex, index, s.initial.Counter)
	}
	if index >= s.latest.Counter {
		r := s.latest
		r.AdvanceTo(index)
		return r, true, nil
	}
	r := s.initial
	r.AdvanceTo(index)
	return r, false, nil
}

// Decrypt returns the plaintext and its message index. The signature is
// checked before the index so a forged message never reports an index.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	if err := s.check(); err != nil {
		return nil, 0, err
	}
	if ciphertext == "" {
		return nil, 0, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	raw, err := s.enc.Decode(ciphertext)
	if err != nil {
		return nil, 0, err
	}
	msg, err := message.DecodeGroup(raw)
	if err != nil {
		return nil, 0, err
	}
	if err := signature.Verify(s.signingKey[:], msg.SignedPart(), msg.Signature[:]); err != nil {
		return nil, 0, err
	}

	r, advancesLatest, err := s.ratchetAt(msg.Index)
	if err != nil {
		return nil, 0, err
	}
	defer r.Wipe()

	plain, err := r.Open(msg)
	if err != nil {
		return nil, 0, err
	}
	if advancesLatest {
		s.latest.Wipe()
		s.latest = r
	}
	s.verified = true
	return plain, msg.Index, nil
}

// Export writes an unsigned session key at index for ImportInboundGroupSession.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	r, _, err := s.ratchetAt(index)
	if err != nil {
		return "", err
	}
	defer r.Wipe()

	k := &message.SessionKey{
		Version:    message.ExportVersion,
		Index:      r.Counter,
		Ratchet:    r.Bytes(),
		SigningKey: s.signingKey,
	}
	defer k.Wipe()
	b := k.Encode()
	defer memzero.Zero(b)
	return s.enc.Encode(b), nil
}

func (s *InboundGroupSession) Pickle(key []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty pickle key", ErrInvalidInput)
	}
	w := pickle.NewWriter(inboundGroupPickleVersion)
	s.initial.WritePickle(w)
	s.latest.WritePickle(w)
	w.Fixed(s.signingKey[:])
	w.Bool(s.verified)
	return pickle.Seal(pickle.KindInboundGroup, key, w.Bytes(), s.enc)
}

func UnpickleInboundGroupSession(pickled string, key []byte, enc model.Encoding) (*InboundGroupSession, error) {
	if len(key) == 0 || pickled == "" {
		return nil, fmt.Errorf("%w: empty pickle or key", ErrInvalidInput)
	}
	raw, err := pickle.Open(pickle.KindInboundGroup, key, pickled, enc)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	s := &InboundGroupSession{enc: enc}
	r := pickle.NewReader(raw)
	r.Version(inboundGroupPickleVersion)
	s.initial.ReadPickle(r)
	s.latest.ReadPickle(r)
	r.Fixed(s.signingKey[:])
	s.verified = r.Bool()
	if err := r.Finish(); err != nil {
		s.Release()
		return nil, err
	}
	if s.latest.Counter < s.initial.Counter {
		s.Release()
		return nil, fmt.Errorf("%w: latest ratchet behind initial", ErrCorruptedPickle)
	}
	return s, nil
}

func (s *InboundGroupSession) Release() {
	if s == nil || s.released {
		return
	}
	s.initial.Wipe()
	s.latest.Wipe()
	s.released = true
}
