package doubleratchet

import (
	"errors"
	"fmt"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/log"
	"e2e_ratchet/internal/utils/memzero"

	"go.uber.org/zap"
)

const (
	MaxReceiverChains     = 5
	MaxSkippedMessageKeys = 40
	MaxMessageGap         = 2000
)

var (
	ErrSkipLimitExceeded = errors.New("message gap exceeds skip limit")
	ErrMessageReplayed   = errors.New("message key already used")
	ErrNotInitialised    = errors.New("ratchet not initialised")
)

type (
	SenderChain struct {
		RatchetKey dh.KeyPair
		ChainKey   ChainKey
	}

	ReceiverChain struct {
		RatchetKey [dh.KeySize]byte
		ChainKey   ChainKey
	}

	SkippedMessageKey struct {
		RatchetKey [dh.KeySize]byte
		MessageKey MessageKey
	}

	// RatchetState holds at most one sender chain. Receiver chains are
	// ordered newest first and skipped keys oldest first.
	RatchetState struct {
		RootKey            [KeySize]byte
		SenderChain        []SenderChain
		ReceiverChains     []ReceiverChain
		SkippedMessageKeys []SkippedMessageKey
	}
)

// InitialiseAsAlice sets up the initiator with the shared secret and
// the ratchet key announced in its first message.
func (s *RatchetState) InitialiseAsAlice(sharedSecret []byte, ratchetKey dh.KeyPair) error {
	root, chain, err := InitialRootKey(sharedSecret)
	if err != nil {
		return err
	}
	s.RootKey = root
	s.SenderChain = []SenderChain{{RatchetKey: ratchetKey, ChainKey: ChainKey{Key: chain}}}
	return nil
}

// InitialiseAsBob sets up the responder with the peer's first ratchet key.
func (s *RatchetState) InitialiseAsBob(sharedSecret []byte, theirRatchetKey [dh.KeySize]byte) error {
	root, chain, err := InitialRootKey(sharedSecret)
	if err != nil {
		return err
	}
	s.RootKey = root
	s.ReceiverChains = []ReceiverChain{{RatchetKey: theirRatchetKey, ChainKey: ChainKey{Key: chain}}}
	return nil
}

// Encrypt returns an encoded normal message. A new sender chain is
// started when the previous one was retired by a received ratchet key.
func (s *RatchetState) Encrypt(plaintext []byte) ([]byte, error) {
	if len(s.SenderChain) == 0 {
		if err := s.ratchetSender(); err != nil {
			return nil, err
		}
	}

	chain := &s.SenderChain[0]
	mk := chain.ChainKey.MessageKey()
	defer mk.Wipe()

	msg := &message.Normal{
		RatchetKey: chain.RatchetKey.Public,
		Counter:    mk.Index,
	}
	ct, err := mk.Seal(plaintext, msg.Header())
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct

	next := chain.ChainKey.Next()
	chain.ChainKey.Wipe()
	chain.ChainKey = next
	return msg.Encode(), nil
}

func (s *RatchetState) ratchetSender() error {
	if len(s.ReceiverChains) == 0 {
		return ErrNotInitialised
	}
	kp, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(kp.Private, s.ReceiverChains[0].RatchetKey)
	if err != nil {
		return err
	}
	defer memzero.Zero(shared)

	root, chain, err := KDFRootKey(s.RootKey, shared)
	if err != nil {
		return err
	}
	s.RootKey = root
	s.SenderChain = []SenderChain{{RatchetKey: *kp, ChainKey: ChainKey{Key: chain}}}
	memzero.Zero32(&kp.Private)
	log.Debug("sender ratchet advanced")
	return nil
}

// Decrypt authenticates and decrypts an encoded normal message. State is
// only modified once the message authenticates.
func (s *RatchetState) Decrypt(encoded []byte) ([]byte, error) {
	msg, err := message.DecodeNormal(encoded)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range s.ReceiverChains {
		if dh.Equal(s.ReceiverChains[i].RatchetKey, msg.RatchetKey) {
			idx = i
			break
		}
	}

	if idx >= 0 {
		chain := s.ReceiverChains[idx]
		if msg.Counter < chain.ChainKey.Index {
			return s.decryptSkipped(msg)
		}
		if msg.Counter-chain.ChainKey.Index > MaxMessageGap {
			return nil, fmt.Errorf("%w: counter %d, chain at %d", ErrSkipLimitExceeded, msg.Counter, chain.ChainKey.Index)
		}

		plain, next, skipped, err := s.advanceAndOpen(chain.ChainKey, msg)
		if err != nil {
			return nil, err
		}
		s.ReceiverChains[idx].ChainKey.Wipe()
		s.ReceiverChains[idx].ChainKey = next
		s.storeSkipped(msg.RatchetKey, skipped)
		return plain, nil
	}

	if msg.Counter > MaxMessageGap {
		return nil, fmt.Errorf("%w: counter %d on new chain", ErrSkipLimitExceeded, msg.Counter)
	}
	if len(s.SenderChain) == 0 {
		// the peer cannot have ratcheted before seeing our ratchet key
		return nil, fmt.Errorf("%w: unexpected ratchet key", message.ErrBadMessageFormat)
	}

	shared, err := dh.X25519SharedSecret(s.SenderChain[0].RatchetKey.Private, msg.RatchetKey)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared)

	root, ck, err := KDFRootKey(s.RootKey, shared)
	if err != nil {
		return nil, err
	}
	plain, next, skipped, err := s.advanceAndOpen(ChainKey{Key: ck}, msg)
	memzero.Zero(ck[:])
	if err != nil {
		memzero.Zero(root[:])
		return nil, err
	}

	s.RootKey = root
	s.ReceiverChains = append([]ReceiverChain{{RatchetKey: msg.RatchetKey, ChainKey: next}}, s.ReceiverChains...)
	if len(s.ReceiverChains) > MaxReceiverChains {
		for i := MaxReceiverChains; i < len(s.ReceiverChains); i++ {
			s.ReceiverChains[i].ChainKey.Wipe()
		}
		s.ReceiverChains = s.ReceiverChains[:MaxReceiverChains]
	}
	// the next Encrypt starts a fresh sender chain
	memzero.Zero32(&s.SenderChain[0].RatchetKey.Private)
	s.SenderChain[0].ChainKey.Wipe()
	s.SenderChain = nil
	s.storeSkipped(msg.RatchetKey, skipped)

	log.Debug("receiver ratchet advanced", zap.Int("receiver_chains", len(s.ReceiverChains)))
	return plain, nil
}

// advanceAndOpen walks a copy of chain up to the message counter.
func (s *RatchetState) advanceAndOpen(chain ChainKey, msg *message.Normal) ([]byte, ChainKey, []MessageKey, error) {
	var skipped []MessageKey
	for chain.Index < msg.Counter {
		skipped = append(skipped, chain.MessageKey())
		chain = chain.Next()
	}
	if len(skipped) > MaxSkippedMessageKeys {
		for i := 0; i < len(skipped)-MaxSkippedMessageKeys; i++ {
			skipped[i].Wipe()
		}
		skipped = skipped[len(skipped)-MaxSkippedMessageKeys:]
	}

	mk := chain.MessageKey()
	defer mk.Wipe()
	plain, err := mk.Open(msg.Ciphertext, msg.Header())
	if err != nil {
		for i := range skipped {
			skipped[i].Wipe()
		}
		chain.Wipe()
		return nil, ChainKey{}, nil, err
	}
	return plain, chain.Next(), skipped, nil
}

func (s *RatchetState) decryptSkipped(msg *message.Normal) ([]byte, error) {
	for i := range s.SkippedMessageKeys {
		sk := &s.SkippedMessageKeys[i]
		if sk.MessageKey.Index != msg.Counter || !dh.Equal(sk.RatchetKey, msg.RatchetKey) {
			continue
		}
		plain, err := sk.MessageKey.Open(msg.Ciphertext, msg.Header())
		if err != nil {
			return nil, err
		}
		sk.MessageKey.Wipe()
		s.SkippedMessageKeys = append(s.SkippedMessageKeys[:i], s.SkippedMessageKeys[i+1:]...)
		return plain, nil
	}
	return nil, fmt.Errorf("%w: counter %d", ErrMessageReplayed, msg.Counter)
}

func (s *RatchetState) storeSkipped(ratchetKey [dh.KeySize]byte, keys []MessageKey) {
	for _, k := range keys {
		s.SkippedMessageKeys = append(s.SkippedMessageKeys, SkippedMessageKey{RatchetKey: ratchetKey, MessageKey: k})
	}
	if extra := len(s.SkippedMessageKeys) - MaxSkippedMessageKeys; extra > 0 {
		for i := 0; i < extra; i++ {
			s.SkippedMessageKeys[i].MessageKey.Wipe()
		}
		s.SkippedMessageKeys = append([]SkippedMessageKey(nil), s.SkippedMessageKeys[extra:]...)
	}
}

// Wipe zeroes every secret held by the ratchet.
func (s *RatchetState) Wipe() {
	memzero.Zero(s.RootKey[:])
	for i := range s.SenderChain {
		memzero.Zero32(&s.SenderChain[i].RatchetKey.Private)
		s.SenderChain[i].ChainKey.Wipe()
	}
	for i := range s.ReceiverChains {
		s.ReceiverChains[i].ChainKey.Wipe()
	}
	for i := range s.SkippedMessageKeys {
		s.SkippedMessageKeys[i].MessageKey.Wipe()
	}
	s.SenderChain = nil
	s.ReceiverChains = nil
	s.SkippedMessageKeys = nil
}

func (s *RatchetState) WritePickle(w *pickle.Writer) {
	w.Fixed(s.RootKey[:])

	w.Uint32(uint32(len(s.SenderChain)))
	for _, c := range s.SenderChain {
		w.Fixed(c.RatchetKey.Public[:])
		w.Fixed(c.RatchetKey.Private[:])
		w.Fixed(c.ChainKey.Key[:])
		w.Uint32(c.ChainKey.Index)
	}

	w.Uint32(uint32(len(s.ReceiverChains)))
	for _, c := range s.ReceiverChains {
		w.Fixed(c.RatchetKey[:])
		w.Fixed(c.ChainKey.Key[:])
		w.Uint32(c.ChainKey.Index)
	}

	w.Uint32(uint32(len(s.SkippedMessageKeys)))
	for _, k := range s.SkippedMessageKeys {
		w.Fixed(k.RatchetKey[:])
		w.Fixed(k.MessageKey.Key[:])
		w.Uint32(k.MessageKey.Index)
	}
}

func (s *RatchetState) ReadPickle(r *pickle.Reader) {
	r.Fixed(s.RootKey[:])

	n := r.Count(1)
	for i := 0; i < n && r.Err() == nil; i++ {
		var c SenderChain
		r.Fixed(c.RatchetKey.Public[:])
		r.Fixed(c.RatchetKey.Private[:])
		r.Fixed(c.ChainKey.Key[:])
		c.ChainKey.Index = r.Uint32()
		s.SenderChain = append(s.SenderChain, c)
	}

	n = r.Count(MaxReceiverChains)
	for i := 0; i < n && r.Err() == nil; i++ {
		var c ReceiverChain
		r.Fixed(c.RatchetKey[:])
		r.Fixed(c.ChainKey.Key[:])
		c.ChainKey.Index = r.Uint32()
		s.ReceiverChains = append(s.ReceiverChains, c)
	}

	n = r.Count(MaxSkippedMessageKeys)
	for i := 0; i < n && r.Err() == nil; i++ {
		var k SkippedMessageKey
		r.Fixed(k.RatchetKey[:])
		r.Fixed(k.MessageKey.Key[:])
		k.MessageKey.Index = r.Uint32()
		s.SkippedMessageKeys = append(s.SkippedMessageKeys, k)
	}
}
