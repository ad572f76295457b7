package olm

import (
	"errors"
	"testing"

	"e2e_ratchet/internal/cryptographic/entropy"
	"e2e_ratchet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pickleKey = []byte("secret_key")

func newAccount(t *testing.T) *Account {
	t.Helper()
	a, err := NewAccount(model.EncodingRawStd)
	require.NoError(t, err)
	t.Cleanup(a.Release)
	return a
}

func TestIdentityKeys(t *testing.T) {
	a := newAccount(t)

	keys, err := a.IdentityKeys()
	require.NoError(t, err)
	assert.Len(t, keys.Curve25519, 43)
	assert.Len(t, keys.Ed25519, 43)

	again, err := a.IdentityKeys()
	require.NoError(t, err)
	assert.Equal(t, keys, again)
}

func TestGenerateOneTimeKeys(t *testing.T) {
	a := newAccount(t)
	assert.Equal(t, MaxOneTimeKeys, a.MaxOneTimeKeys())

	require.NoError(t, a.GenerateOneTimeKeys(0))
	keys, err := a.OneTimeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, a.GenerateOneTimeKeys(-50), ErrInvalidInput)

	require.NoError(t, a.GenerateOneTimeKeys(5))
	keys, err = a.OneTimeKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	require.NoError(t, a.MarkOneTimeKeysAsPublished())
	keys, err = a.OneTimeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Len(t, a.oneTimeKeys, 5, "published keys stay usable")
}

func TestOneTimeKeyRingDropsOldestUnpublished(t *testing.T) {
	a := newAccount(t)

	require.NoError(t, a.GenerateOneTimeKeys(10))
	require.NoError(t, a.MarkOneTimeKeysAsPublished())
	published := a.oneTimeKeys[0].ID

	require.NoError(t, a.GenerateOneTimeKeys(MaxOneTimeKeys))
	assert.Len(t, a.oneTimeKeys, MaxOneTimeKeys)
	assert.Equal(t, published, a.oneTimeKeys[0].ID)

	keys, err := a.OneTimeKeys()
	require.NoError(t, err)
	assert.Len(t, keys, MaxOneTimeKeys-10)

	// a pool of published keys is never displaced
	require.NoError(t, a.MarkOneTimeKeysAsPublished())
	require.NoError(t, a.GenerateOneTimeKeys(1))
	assert.Len(t, a.oneTimeKeys, MaxOneTimeKeys)
	assert.Equal(t, published, a.oneTimeKeys[0].ID)
	keys, err = a.OneTimeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeyIDsAreStable(t *testing.T) {
	a := newAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(2))
	first, err := a.OneTimeKeys()
	require.NoError(t, err)
	require.NoError(t, a.GenerateOneTimeKeys(1))
	second, err := a.OneTimeKeys()
	require.NoError(t, err)

	for id, key := range first {
		assert.Equal(t, key, second[id])
	}
	assert.Contains(t, second, "AAAAAw")
}

func TestSignIsDeterministic(t *testing.T) {
	a := newAccount(t)
	s1, err := a.Sign([]byte("payload"))
	require.NoError(t, err)
	s2, err := a.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	keys, err := a.IdentityKeys()
	require.NoError(t, err)
	assert.NoError(t, NewUtility(model.EncodingRawStd).VerifyEd25519(s1, keys.Ed25519, []byte("payload")))
}

func TestAccountPickle(t *testing.T) {
	a := newAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(3))

	p, err := a.Pickle(pickleKey)
	require.NoError(t, err)

	b, err := UnpickleAccount(p, pickleKey, model.EncodingRawStd)
	require.NoError(t, err)
	defer b.Release()

	ak, _ := a.IdentityKeys()
	bk, _ := b.IdentityKeys()
	assert.Equal(t, ak, bk)
	aotk, _ := a.OneTimeKeys()
	botk, _ := b.OneTimeKeys()
	assert.Equal(t, aotk, botk)

	sa, _ := a.Sign([]byte("m"))
	sb, _ := b.Sign([]byte("m"))
	assert.Equal(t, sa, sb)

	_, err = UnpickleAccount(p, []byte("wrong"), model.EncodingRawStd)
	assert.ErrorIs(t, err, ErrBadAccountKey)

	_, err = UnpickleAccount(p, nil, model.EncodingRawStd)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = UnpickleSession(p, pickleKey, model.EncodingRawStd)
	assert.ErrorIs(t, err, ErrBadAccountKey)
}

func TestReleasedAccount(t *testing.T) {
	a, err := NewAccount(model.EncodingRawStd)
	require.NoError(t, err)
	a.Release()
	a.Release()

	_, err = a.IdentityKeys()
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, a.GenerateOneTimeKeys(1), ErrReleased)
	_, err = a.OneTimeKeys()
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, a.MarkOneTimeKeysAsPublished(), ErrReleased)
	_, err = a.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrReleased)
	_, err = a.Pickle(pickleKey)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = NewOutboundSession(a, "a", "b")
	assert.ErrorIs(t, err, ErrReleased)
	assert.Equal(t, [32]byte{}, a.identity.Private)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("no entropy")
}

func TestEntropyFailureIsFatal(t *testing.T) {
	old := entropy.Reader
	entropy.Reader = failingReader{}
	defer func() { entropy.Reader = old }()

	_, err := NewAccount(model.EncodingRawStd)
	assert.ErrorIs(t, err, ErrNotEnoughRandom)

	_, err = NewOutboundGroupSession(model.EncodingRawStd)
	assert.ErrorIs(t, err, ErrNotEnoughRandom)
}

func TestDistinctAccountsAndGroupKeys(t *testing.T) {
	const n = 10
	identities := make(map[string]bool)
	fingerprints := make(map[string]bool)
	sessionKeys := make(map[string]bool)

	for i := 0; i < n; i++ {
		a := newAccount(t)
		keys, err := a.IdentityKeys()
		require.NoError(t, err)
		identities[keys.Curve25519] = true
		fingerprints[keys.Ed25519] = true

		g, err := NewOutboundGroupSession(model.EncodingRawStd)
		require.NoError(t, err)
		k, err := g.SessionKey()
		require.NoError(t, err)
		sessionKeys[k] = true
		g.Release()
	}
	assert.Len(t, identities, n)
	assert.Len(t, fingerprints, n)
	assert.Len(t, sessionKeys, n)
}
