package encryption

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	m, err := NewManagerWithKey(key)
	require.NoError(t, err)
	return m
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := testManager(t)

	for _, plaintext := range []string{
		"+2348012345678",
		"voter@example.com",
		"",
		"unicode ✓ contact",
	} {
		ciphertext, err := m.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := m.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	m := testManager(t)

	first, err := m.Encrypt("+2348012345678")
	require.NoError(t, err)
	second, err := m.Encrypt("+2348012345678")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m := testManager(t)

	ciphertext, err := m.Encrypt("+2348012345678")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)

	// Flip one byte at every position; decryption must fail, never return
	// a different plaintext silently.
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		_, err := m.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "byte %d", i)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	m := testManager(t)

	for _, input := range []string{"", "not base64 !!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := m.Decrypt(input)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "input %q", input)
	}
}

func TestNewManagerWithKeyRejectsShortKey(t *testing.T) {
	_, err := NewManagerWithKey(bytes.Repeat([]byte{0x42}, 16))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}
