package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPKCES256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.True(t, VerifyPKCE(challenge, MethodS256, verifier))
	assert.False(t, VerifyPKCE(challenge, MethodS256, verifier+"x"))
	assert.False(t, VerifyPKCE(challenge, MethodS256, ""))
}

func TestVerifyPKCEPlain(t *testing.T) {
	assert.True(t, VerifyPKCE("some-verifier", MethodPlain, "some-verifier"))
	assert.True(t, VerifyPKCE("some-verifier", "", "some-verifier"))
	assert.False(t, VerifyPKCE("some-verifier", MethodPlain, "other"))
}

func TestVerifyPKCEUnknownMethod(t *testing.T) {
	assert.False(t, VerifyPKCE("challenge", "S512", "challenge"))
}

func TestVerifyPKCEChallengeIsNotPadded(t *testing.T) {
	verifier := "abcdefghijklmnopqrstuvwxyz0123456789abcdefg"
	sum := sha256.Sum256([]byte(verifier))
	padded := base64.URLEncoding.EncodeToString(sum[:])

	// Stored challenges use unpadded base64url; a padded challenge
	// must not verify.
	assert.False(t, VerifyPKCE(padded, MethodS256, verifier))
}
