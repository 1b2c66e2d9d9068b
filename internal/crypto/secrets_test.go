package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	return raw
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "hunter2"},
		{"empty string", ""},
		{"unicode", "pässwörd-日本語"},
		{"long secret", strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncryptSecret(key, tt.plaintext)
			require.NoError(t, err)

			dec, err := DecryptSecret(key, enc)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, dec)
		})
	}
}

func TestEncryptProducesUniqueCiphertext(t *testing.T) {
	key := testKey(t)

	// Random nonce per call: same plaintext must never encrypt identically.
	a, err := EncryptSecret(key, "same-secret")
	require.NoError(t, err)
	b, err := EncryptSecret(key, "same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc, err := EncryptSecret(testKey(t), "top-secret")
	require.NoError(t, err)

	_, err = DecryptSecret(testKey(t), enc)
	assert.Error(t, err)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := testKey(t)
	enc, err := EncryptSecret(key, "top-secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = DecryptSecret(key, tampered)
	assert.Error(t, err)
}

func TestDecryptRejectsBadInput(t *testing.T) {
	key := testKey(t)

	_, err := DecryptSecret(key, "not-base64!!!")
	assert.Error(t, err)

	// Shorter than the GCM nonce.
	_, err = DecryptSecret(key, base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestKeyLengthValidation(t *testing.T) {
	_, err := EncryptSecret([]byte("too-short"), "secret")
	assert.Error(t, err)

	_, err = DecryptSecret([]byte("too-short"), "whatever")
	assert.Error(t, err)
}
