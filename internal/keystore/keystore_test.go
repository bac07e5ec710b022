package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	_, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	sealed, err := Seal(priv, "correct horse battery staple")
	require.NoError(t, err)

	got, err := Unseal(sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestUnsealWrongPassphraseFails(t *testing.T) {
	_, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	sealed, err := Seal(priv, "right-pass")
	require.NoError(t, err)

	_, err = Unseal(sealed, "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestUnsealCorruptBlob(t *testing.T) {
	_, err := Unseal(&Sealed{Salt: []byte("short")}, "whatever")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOperatorPassphraseHashAndVerify(t *testing.T) {
	hash, err := HashOperatorPassphrase("super-secret")
	require.NoError(t, err)
	assert.True(t, VerifyOperatorPassphrase(hash, "super-secret"))
	assert.False(t, VerifyOperatorPassphrase(hash, "wrong"))
}

func TestBase64RoundTrip(t *testing.T) {
	encoded := EncodeBase64([]byte("hello"))
	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), decoded)
}
