package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key1, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)
	key2, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)

	assert.Len(t, key1, scryptKeyLen)
	assert.Equal(t, key1, key2)
}

func TestDeriveKey_SaltChangesKey(t *testing.T) {
	key1, err := DeriveKey("correct horse", []byte("salt-aaaaaaaaaaa"))
	require.NoError(t, err)
	key2, err := DeriveKey("correct horse", []byte("salt-bbbbbbbbbbb"))
	require.NoError(t, err)

	assert.NotEqual(t, key1, key2)
}

func TestDeriveKey_NFKCNormalization(t *testing.T) {
	salt := []byte("0123456789abcdef")

	// U+212B ANGSTROM SIGN and U+00C5 both normalize to the same form.
	key1, err := DeriveKey("passÅ", salt)
	require.NoError(t, err)
	key2, err := DeriveKey("passÅ", salt)
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
}

func TestNewSalt_RandomAndSized(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)

	assert.Len(t, salt1, saltLen)
	assert.NotEqual(t, salt1, salt2)
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := DeriveKey("test-passphrase", []byte("0123456789abcdef"))
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := testCipher(t)
	plaintext := []byte(`{"session_id":"s1","messages":[]}`)

	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestCipher_RandomIV(t *testing.T) {
	c := testCipher(t)

	ct1, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	ct2, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, ct1, ct2)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	otherKey, err := DeriveKey("other-passphrase", []byte("0123456789abcdef"))
	require.NoError(t, err)
	other, err := NewCipher(otherKey)
	require.NoError(t, err)

	_, err = other.Decrypt(ct)
	require.Error(t, err)
}

func TestCipher_TamperedCiphertextFails(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0xff
	_, err = c.Decrypt(ct)
	require.Error(t, err)
}

func TestCipher_TruncatedCiphertextFails(t *testing.T) {
	c := testCipher(t)

	_, err := c.Decrypt([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestZeroKey(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	ZeroKey(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
}
