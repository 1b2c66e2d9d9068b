package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPRoundTrip(t *testing.T) {
	s := NewTOTPService("Meridian")

	key, qr, err := s.GenerateSecret("alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, key.Secret())
	assert.NotEmpty(t, qr)
	assert.Contains(t, key.URL(), "Meridian")

	code, err := s.GenerateCode(key.Secret())
	require.NoError(t, err)
	assert.True(t, s.ValidateCode(code, key.Secret()))
	assert.False(t, s.ValidateCode("000000", key.Secret()))
}

func TestTOTPAcceptsAdjacentStep(t *testing.T) {
	s := NewTOTPService("Meridian")
	key, _, err := s.GenerateSecret("alice@example.com")
	require.NoError(t, err)

	// A code from the previous 30s step is still accepted (skew 1).
	code, err := totp.GenerateCode(key.Secret(), time.Now().Add(-totpPeriod))
	require.NoError(t, err)
	assert.True(t, s.ValidateCode(code, key.Secret()))

	// Two steps away is rejected.
	stale, err := totp.GenerateCode(key.Secret(), time.Now().Add(-3*totpPeriod))
	require.NoError(t, err)
	assert.False(t, s.ValidateCode(stale, key.Secret()))
}

func TestSameStep(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	assert.True(t, sameStep(base, base.Add(5*time.Second)))
	assert.False(t, sameStep(base, base.Add(40*time.Second)))
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, c := range codes {
		assert.Regexp(t, `^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`, c)
		assert.False(t, seen[c], "codes must be unique")
		seen[c] = true
	}
}
