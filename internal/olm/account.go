package olm

import (
	"encoding/binary"
	"fmt"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/cryptographic/signature"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/utils/log"
	"e2e_ratchet/internal/utils/memzero"

	"go.uber.org/zap"
)

const (
	MaxOneTimeKeys = 100

	accountPickleVersion = 2
)

type oneTimeKey struct {
	ID        uint32
	Published bool
	Key       dh.KeyPair
}

// Account holds the long-term identity and the pool of one-time keys.
// It is not safe for concurrent use.
type Account struct {
	enc model.Encoding

	identity    dh.KeyPair
	signingPub  []byte
	signingPriv []byte

	oneTimeKeys []oneTimeKey
	nextKeyID   uint32

	// fallback keys answer pre-key messages once the one-time keys run
	// out. They are never consumed by a session.
	currentFallback *oneTimeKey
	prevFallback    *oneTimeKey

	released bool
}

// NewAccount generates a fresh identity. Strings produced by the account
// and its sessions use enc.
func NewAccount(enc model.Encoding) (*Account, error) {
	identity, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		memzero.Zero32(&identity.Private)
		return nil, err
	}
	return &Account{
		enc:         enc,
		identity:    *identity,
		signingPub:  pub,
		signingPriv: priv,
		nextKeyID:   1,
	}, nil
}

func (a *Account) check() error {
	if a == nil {
		return ErrInvalidInput
	}
	if a.released {
		return ErrReleased
	}
	return nil
}

func (a *Account) IdentityKeys() (*model.IdentityKeys, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return &model.IdentityKeys{
		Curve25519: a.enc.Encode(a.identity.Public[:]),
		Ed25519:    a.enc.Encode(a.signingPub),
	}, nil
}

func (a *Account) MaxOneTimeKeys() int {
	return MaxOneTimeKeys
}

// GenerateOneTimeKeys adds n unpublished keys. When the pool is full
// the oldest unpublished keys make room; published keys are kept.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if err := a.check(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: negative key count %d", ErrInvalidInput, n)
	}
	if n > MaxOneTimeKeys {
		n = MaxOneTimeKeys
	}

	fresh := make([]oneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := dh.NewKeyPair()
		if err != nil {
			for j := range fresh {
				memzero.Zero32(&fresh[j].Key.Private)
			}
			return err
		}
		fresh = append(fresh, oneTimeKey{ID: a.nextKeyID + uint32(i), Key: *kp})
		memzero.Zero32(&kp.Private)
	}

	a.nextKeyID += uint32(n)
	a.oneTimeKeys = append(a.oneTimeKeys, fresh...)
	for len(a.oneTimeKeys) > MaxOneTimeKeys {
		a.dropOldest()
	}
	if n > 0 {
		log.Debug("generated one-time keys", zap.Int("count", n), zap.Int("pool", len(a.oneTimeKeys)))
	}
	return nil
}

func (a *Account) dropOldest() {
	victim := 0
	for i, k := range a.oneTimeKeys {
		if !k.Published {
			victim = i
			break
		}
	}
	a.removeAt(victim)
}

func (a *Account) removeAt(i int) {
	memzero.Zero32(&a.oneTimeKeys[i].Key.Private)
	a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
}

func (a *Account) keyID(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return a.enc.Encode(b[:])
}

// OneTimeKeys returns the unpublished public keys by key id.
func (a *Account) OneTimeKeys() (model.OneTimeKeys, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	keys := make(model.OneTimeKeys)
	for _, k := range a.oneTimeKeys {
		if k.Published {
			continue
		}
		keys[a.keyID(k.ID)] = a.enc.Encode(k.Key.Public[:])
	}
	return keys, nil
}

// MarkOneTimeKeysAsPublished also marks the current fallback key.
func (a *Account) MarkOneTimeKeysAsPublished() error {
	if err := a.check(); err != nil {
		return err
	}
	for i := range a.oneTimeKeys {
		a.oneTimeKeys[i].Published = true
	}
	if a.currentFallback != nil {
		a.currentFallback.Published = true
	}
	return nil
}

// GenerateFallbackKey replaces the current fallback key. The replaced
// key stays usable as the previous one until the next generation or
// ForgetOldFallbackKey.
func (a *Account) GenerateFallbackKey() error {
	if err := a.check(); err != nil {
		return err
	}
	kp, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	fresh := &oneTimeKey{ID: a.nextKeyID, Key: *kp}
	memzero.Zero32(&kp.Private)
	a.nextKeyID++

	wipeKey(a.prevFallback)
	a.prevFallback = a.currentFallback
	a.currentFallback = fresh
	log.Debug("generated fallback key", zap.String("key_id", a.keyID(fresh.ID)))
	return nil
}

// UnpublishedFallbackKey returns the current fallback key by key id, or
// an empty map when there is none or it is already published.
func (a *Account) UnpublishedFallbackKey() (model.OneTimeKeys, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	keys := make(model.OneTimeKeys)
	if k := a.currentFallback; k != nil && !k.Published {
		keys[a.keyID(k.ID)] = a.enc.Encode(k.Key.Public[:])
	}
	return keys, nil
}

func (a *Account) ForgetOldFallbackKey() error {
	if err := a.check(); err != nil {
		return err
	}
	wipeKey(a.prevFallback)
	a.prevFallback = nil
	return nil
}

func wipeKey(k *oneTimeKey) {
	if k != nil {
		memzero.Zero32(&k.Key.Private)
	}
}

// lookupKey finds the private half of pub among the one-time keys and
// then the fallback keys.
func (a *Account) lookupKey(pub [dh.KeySize]byte) *oneTimeKey {
	for i := range a.oneTimeKeys {
		if dh.Equal(a.oneTimeKeys[i].Key.Public, pub) {
			return &a.oneTimeKeys[i]
		}
	}
	for _, k := range []*oneTimeKey{a.currentFallback, a.prevFallback} {
		if k != nil && dh.Equal(k.Key.Public, pub) {
			return k
		}
	}
	return nil
}

// RemoveOneTimeKeys deletes the one-time key s was established with.
// It reports false when the account holds no such key, which includes
// sessions made on a fallback key.
func (a *Account) RemoveOneTimeKeys(s *Session) (bool, error) {
	if err := a.check(); err != nil {
		return false, err
	}
	if s == nil {
		return false, fmt.Errorf("%w: nil session", ErrInvalidInput)
	}
	if s.released {
		return false, ErrReleased
	}
	for i := range a.oneTimeKeys {
		if dh.Equal(a.oneTimeKeys[i].Key.Public, s.bobOneTimeKey) {
			id := a.oneTimeKeys[i].ID
			a.removeAt(i)
			log.Debug("removed one-time key", zap.String("key_id", a.keyID(id)))
			return true, nil
		}
	}
	return false, nil
}

// Sign returns the encoded Ed25519 signature of message.
func (a *Account) Sign(message []byte) (string, error) {
	if err := a.check(); err != nil {
		return "", err
	}
	return a.enc.Encode(signature.ED25519Sign(a.signingPriv, message)), nil
}

func (a *Account) Pickle(key []byte) (string, error) {
	if err := a.check(); err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty pickle key", ErrInvalidInput)
	}

	w := pickle.NewWriter(accountPickleVersion)
	w.Fixed(a.identity.Public[:])
	w.Fixed(a.identity.Private[:])
	w.Fixed(a.signingPub)
	w.Fixed(a.signingPriv)
	w.Uint32(a.nextKeyID)
	w.Uint32(uint32(len(a.oneTimeKeys)))
	for _, k := range a.oneTimeKeys {
		writeKey(w, &k)
	}
	for _, k := range []*oneTimeKey{a.currentFallback, a.prevFallback} {
		w.Bool(k != nil)
		if k != nil {
			writeKey(w, k)
		}
	}
	return pickle.Seal(pickle.KindAccount, key, w.Bytes(), a.enc)
}

func writeKey(w *pickle.Writer, k *oneTimeKey) {
	w.Uint32(k.ID)
	w.Bool(k.Published)
	w.Fixed(k.Key.Public[:])
	w.Fixed(k.Key.Private[:])
}

func readKey(r *pickle.Reader) oneTimeKey {
	var k oneTimeKey
	k.ID = r.Uint32()
	k.Published = r.Bool()
	r.Fixed(k.Key.Public[:])
	r.Fixed(k.Key.Private[:])
	return k
}

// UnpickleAccount restores an account. Nothing is returned on failure.
func UnpickleAccount(pickled string, key []byte, enc model.Encoding) (*Account, error) {
	if len(key) == 0 || pickled == "" {
		return nil, fmt.Errorf("%w: empty pickle or key", ErrInvalidInput)
	}
	raw, err := pickle.Open(pickle.KindAccount, key, pickled, enc)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	a := &Account{
		enc:         enc,
		signingPub:  make([]byte, signature.PublicKeySize),
		signingPriv: make([]byte, signature.PrivateKeySize),
	}
	r := pickle.NewReader(raw)
	version := r.Version(1, accountPickleVersion)
	r.Fixed(a.identity.Public[:])
	r.Fixed(a.identity.Private[:])
	r.Fixed(a.signingPub)
	r.Fixed(a.signingPriv)
	a.nextKeyID = r.Uint32()
	n := r.Count(MaxOneTimeKeys)
	for i := 0; i < n && r.Err() == nil; i++ {
		a.oneTimeKeys = append(a.oneTimeKeys, readKey(r))
	}
	// version 1 predates fallback keys
	if version >= 2 {
		if r.Bool() {
			k := readKey(r)
			a.currentFallback = &k
		}
		if r.Bool() {
			k := readKey(r)
			a.prevFallback = &k
		}
	}
	if err := r.Finish(); err != nil {
		a.Release()
		return nil, err
	}
	return a, nil
}

// Release wipes all key material. Later calls fail with ErrReleased.
func (a *Account) Release() {
	if a == nil || a.released {
		return
	}
	memzero.Zero32(&a.identity.Private)
	memzero.Zero(a.signingPriv)
	for i := range a.oneTimeKeys {
		memzero.Zero32(&a.oneTimeKeys[i].Key.Private)
	}
	a.oneTimeKeys = nil
	wipeKey(a.currentFallback)
	wipeKey(a.prevFallback)
	a.currentFallback, a.prevFallback = nil, nil
	a.released = true
}
