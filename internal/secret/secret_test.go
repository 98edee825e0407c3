package secret

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt(testKey, []byte("service-role-key"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "service-role-key")

	plain, err := Decrypt(testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, "service-role-key", string(plain))
}

func TestDecryptWrongKey(t *testing.T) {
	sealed, err := Encrypt(testKey, []byte("x"))
	require.NoError(t, err)
	_, err = Decrypt(bytes.Repeat([]byte{8}, 32), sealed)
	require.Error(t, err)
}

func TestDecryptShortCiphertext(t *testing.T) {
	_, err := Decrypt(testKey, []byte{1, 2})
	require.Error(t, err)
}

func TestMissingKey(t *testing.T) {
	_, err := Encrypt(nil, []byte("x"))
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestReveal(t *testing.T) {
	enc, err := EncryptString(testKey, "postgres://app:pw@db/app")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))

	plain, err := Reveal(testKey, enc)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db/app", plain)

	same, err := Reveal(nil, "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", same)

	_, err = Reveal(nil, enc)
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = Reveal(testKey, "enc:!!!")
	require.Error(t, err)
}
