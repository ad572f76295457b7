package olm

import (
	"testing"

	"e2e_ratchet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSha256(t *testing.T) {
	u := NewUtility(model.EncodingStd)
	sum, err := u.Sha256([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=", sum)

	raw, err := NewUtility(model.EncodingRawStd).Sha256([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0", raw)
}

func TestVerifyEd25519Reasons(t *testing.T) {
	a := newAccount(t)
	other := newAccount(t)
	u := NewUtility(model.EncodingRawStd)

	msg := []byte(`{"algorithms":["m.megolm.v1.aes-sha2"]}`)
	sig, err := a.Sign(msg)
	require.NoError(t, err)
	keys, err := a.IdentityKeys()
	require.NoError(t, err)

	require.NoError(t, u.VerifyEd25519(sig, keys.Ed25519, msg))

	// half-length key
	err = u.VerifyEd25519(sig, keys.Ed25519[:len(keys.Ed25519)/2], msg)
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.NotErrorIs(t, err, ErrBadSignature)

	// unrelated signature of the same length
	otherSig, err := other.Sign(msg)
	require.NoError(t, err)
	err = u.VerifyEd25519(otherSig, keys.Ed25519, msg)
	assert.ErrorIs(t, err, ErrBadSignature)

	err = u.VerifyEd25519(sig, keys.Ed25519, []byte("tampered"))
	assert.ErrorIs(t, err, ErrBadSignature)

	err = u.VerifyEd25519(sig[:20], keys.Ed25519, msg)
	assert.ErrorIs(t, err, ErrMalformedSignature)

	err = u.VerifyEd25519("@@@", keys.Ed25519, msg)
	assert.ErrorIs(t, err, ErrMalformedSignature)
	assert.ErrorIs(t, err, ErrInvalidBase64)
}

func TestRandomKey(t *testing.T) {
	u := NewUtility(model.EncodingRawStd)
	k1, err := u.RandomKey()
	require.NoError(t, err)
	k2, err := u.RandomKey()
	require.NoError(t, err)
	assert.Len(t, k1, 32)
	assert.NotEqual(t, k1, k2)
}

func TestReleasedUtility(t *testing.T) {
	u := NewUtility(model.EncodingRawStd)
	u.Release()
	_, err := u.Sha256([]byte("x"))
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, u.VerifyEd25519("a", "b", nil), ErrReleased)
}

func TestVersion(t *testing.T) {
	major, _, _ := Version()
	assert.Equal(t, 1, major)
}
