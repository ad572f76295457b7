package olm

import (
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/doubleratchet"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/protocol/x3dh"
	"e2e_ratchet/internal/utils/log"
	"e2e_ratchet/internal/utils/memzero"

	"go.uber.org/zap"
)

const sessionPickleVersion = 1

// Session is a pairwise double ratchet session. It is not safe for
// concurrent use.
type Session struct {
	enc model.Encoding

	receivedMessage bool

	aliceIdentityKey [dh.KeySize]byte
	aliceBaseKey     [dh.KeySize]byte
	bobOneTimeKey    [dh.KeySize]byte

	ratchet doubleratchet.RatchetState

	released bool
}

func (s *Session) check() error {
	if s == nil {
		return ErrInvalidInput
	}
	if s.released {
		return ErrReleased
	}
	return nil
}

func decodeKey(enc model.Encoding, name, key string) ([dh.KeySize]byte, error) {
	if key == "" {
		return [dh.KeySize]byte{}, fmt.Errorf("%w: empty %s", ErrInvalidInput, name)
	}
	b, err := enc.Decode(key)
	if err != nil {
		return [dh.KeySize]byte{}, fmt.Errorf("%s: %w", name, err)
	}
	return dh.ParsePublicKey(b)
}

// NewOutboundSession starts a session to the owner of theirIdentityKey
// using one of their published one-time keys.
func NewOutboundSession(a *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	identity, err := decodeKey(a.enc, "identity key", theirIdentityKey)
	if err != nil {
		return nil, err
	}
	oneTime, err := decodeKey(a.enc, "one-time key", theirOneTimeKey)
	if err != nil {
		return nil, err
	}

	base, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&base.Private)

	ratchetKey, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&ratchetKey.Private)

	shared, err := x3dh.NewSender().GenerateShareKey(&x3dh.SenderKeyBundle{
		IdentityPriv:    a.identity.Private,
		BasePriv:        base.Private,
		TheirIdentity:   identity,
		TheirOneTimeKey: oneTime,
	})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared)

	s := &Session{
		enc:              a.enc,
		aliceIdentityKey: a.identity.Public,
		aliceBaseKey:     base.Public,
		bobOneTimeKey:    oneTime,
	}
	if err := s.ratchet.InitialiseAsAlice(shared, *ratchetKey); err != nil {
		return nil, err
	}

	log.Debug("outbound session created", zap.String("session_id", s.id()))
	return s, nil
}

// NewInboundSession creates the responder side from a pre-key message.
// The message still has to be passed to Decrypt.
func NewInboundSession(a *Account, preKeyMessage string) (*Session, error) {
	return newInboundSession(a, nil, preKeyMessage)
}

// NewInboundSessionFrom is NewInboundSession that also checks the
// sender's identity key.
func NewInboundSessionFrom(a *Account, theirIdentityKey, preKeyMessage string) (*Session, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	identity, err := decodeKey(a.enc, "identity key", theirIdentityKey)
	if err != nil {
		return nil, err
	}
	return newInboundSession(a, &identity, preKeyMessage)
}

func newInboundSession(a *Account, theirIdentity *[dh.KeySize]byte, preKeyMessage string) (*Session, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if preKeyMessage == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	raw, err := a.enc.Decode(preKeyMessage)
	if err != nil {
		return nil, err
	}
	pk, err := message.DecodePreKey(raw)
	if err != nil {
		return nil, err
	}
	if theirIdentity != nil && !dh.Equal(*theirIdentity, pk.IdentityKey) {
		return nil, fmt.Errorf("%w: identity key mismatch", ErrBadMessageKeyID)
	}
	otk := a.lookupKey(pk.OneTimeKey)
	if otk == nil {
		return nil, fmt.Errorf("%w: unknown one-time key", ErrBadMessageKeyID)
	}
	inner, err := message.DecodeNormal(pk.Message)
	if err != nil {
		return nil, err
	}

	shared, err := x3dh.NewReceiver().GenerateShareKey(&x3dh.ReceiverKeyBundle{
		TheirIdentity:  pk.IdentityKey,
		TheirBase:      pk.BaseKey,
		IdentityPriv:   a.identity.Private,
		OneTimeKeyPriv: otk.Key.Private,
	})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared)

	s := &Session{
		enc:              a.enc,
		receivedMessage:  true,
		aliceIdentityKey: pk.IdentityKey,
		aliceBaseKey:     pk.BaseKey,
		bobOneTimeKey:    pk.OneTimeKey,
	}
	if err := s.ratchet.InitialiseAsBob(shared, inner.RatchetKey); err != nil {
		return nil, err
	}

	log.Debug("inbound session created", zap.String("session_id", s.id()), zap.String("key_id", a.keyID(otk.ID)))
	return s, nil
}

func (s *Session) id() string {
	return s.enc.Encode(x3dh.SessionID(s.aliceIdentityKey, s.aliceBaseKey, s.bobOneTimeKey))
}

// ID is the same on both ends of the session.
func (s *Session) ID() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.id(), nil
}

// HasReceivedMessage reports whether the peer is known to have the
// session. A released session reports false.
func (s *Session) HasReceivedMessage() bool {
	return s.check() == nil && s.receivedMessage
}

// MessageType is the type the next Encrypt will produce.
func (s *Session) MessageType() (model.MessageType, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if s.receivedMessage {
		return model.MessageTypeNormal, nil
	}
	return model.MessageTypePreKey, nil
}

func (s *Session) matches(theirIdentity *[dh.KeySize]byte, preKeyMessage string) bool {
	if s.check() != nil || preKeyMessage == "" {
		return false
	}
	raw, err := s.enc.Decode(preKeyMessage)
	if err != nil {
		return false
	}
	pk, err := message.DecodePreKey(raw)
	if err != nil {
		return false
	}
	return s.matchesPreKey(theirIdentity, pk)
}

func (s *Session) matchesPreKey(theirIdentity *[dh.KeySize]byte, pk *message.PreKey) bool {
	if theirIdentity != nil && !dh.Equal(*theirIdentity, pk.IdentityKey) {
		return false
	}
	return dh.Equal(s.aliceIdentityKey, pk.IdentityKey) &&
		dh.Equal(s.aliceBaseKey, pk.BaseKey) &&
		dh.Equal(s.bobOneTimeKey, pk.OneTimeKey)
}

// MatchesInbound reports whether a pre-key message belongs to this
// session. Malformed input yields false.
func (s *Session) MatchesInbound(preKeyMessage string) bool {
	return s.matches(nil, preKeyMessage)
}

func (s *Session) MatchesInboundFrom(theirIdentityKey, preKeyMessage string) bool {
	if s.check() != nil {
		return false
	}
	identity, err := decodeKey(s.enc, "identity key", theirIdentityKey)
	if err != nil {
		return false
	}
	return s.matches(&identity, preKeyMessage)
}

// Encrypt produces a pre-key message until the first reply arrives and
// normal messages after that.
func (s *Session) Encrypt(plaintext []byte) (*model.Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	body, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if s.receivedMessage {
		return &model.Message{Type: model.MessageTypeNormal, Ciphertext: s.enc.Encode(body)}, nil
	}

	pk := &message.PreKey{
		OneTimeKey:  s.bobOneTimeKey,
		BaseKey:     s.aliceBaseKey,
		IdentityKey: s.aliceIdentityKey,
		Message:     body,
	}
	return &model.Message{Type: model.MessageTypePreKey, Ciphertext: s.enc.Encode(pk.Encode())}, nil
}

// Decrypt leaves the session untouched when it returns an error.
func (s *Session) Decrypt(msg *model.Message) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if msg == nil || msg.Ciphertext == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	raw, err := s.enc.Decode(msg.Ciphertext)
	if err != nil {
		return nil, err
	}

	var body []byte
	switch msg.Type {
	case model.MessageTypePreKey:
		pk, err := message.DecodePreKey(raw)
		if err != nil {
			return nil, err
		}
		if !s.matchesPreKey(nil, pk) {
			return nil, fmt.Errorf("%w: pre-key message for another session", ErrBadMessageKeyID)
		}
		body = pk.Message
	case model.MessageTypeNormal:
		body = raw
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrInvalidInput, int(msg.Type))
	}

	plain, err := s.ratchet.Decrypt(body)
	if err != nil {
		if errors.Is(err, dh.ErrBadPublicKey) {
			return nil, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
		}
		return nil, err
	}
	s.receivedMessage = true
	return plain, nil
}

func (s *Session) Pickle(key []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty pickle key", ErrInvalidInput)
	}
	w := pickle.NewWriter(sessionPickleVersion)
	w.Bool(s.receivedMessage)
	w.Fixed(s.aliceIdentityKey[:])
	w.Fixed(s.aliceBaseKey[:])
	w.Fixed(s.bobOneTimeKey[:])
	s.ratchet.WritePickle(w)
	return pickle.Seal(pickle.KindSession, key, w.Bytes(), s.enc)
}

func UnpickleSession(pickled string, key []byte, enc model.Encoding) (*Session, error) {
	if len(key) == 0 || pickled == "" {
		return nil, fmt.Errorf("%w: empty pickle or key", ErrInvalidInput)
	}
	raw, err := pickle.Open(pickle.KindSession, key, pickled, enc)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	s := &Session{enc: enc}
	r := pickle.NewReader(raw)
	r.Version(sessionPickleVersion)
	s.receivedMessage = r.Bool()
	r.Fixed(s.aliceIdentityKey[:])
	r.Fixed(s.aliceBaseKey[:])
	r.Fixed(s.bobOneTimeKey[:])
	s.ratchet.ReadPickle(r)
	if err := r.Finish(); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *Session) Release() {
	if s == nil || s.released {
		return
	}
	s.ratchet.Wipe()
	s.released = true
}
