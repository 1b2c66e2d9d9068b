package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/storage"
)

func TestEvalMfaPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	daysAgo := func(d int) *time.Time {
		ts := now.Add(-time.Duration(d) * 24 * time.Hour)
		return &ts
	}

	tests := []struct {
		name     string
		sec      storage.SecuritySettings
		user     storage.User
		verified int
		want     mfaAction
		canSkip  bool
		starts   bool
	}{
		{
			name:     "verified method always challenges",
			sec:      storage.SecuritySettings{},
			verified: 1,
			want:     mfaChallenge,
		},
		{
			name:     "verified method challenges even under required policy",
			sec:      storage.SecuritySettings{MfaRequired: true},
			verified: 2,
			want:     mfaChallenge,
		},
		{
			name: "no policy no methods issues",
			sec:  storage.SecuritySettings{},
			want: mfaNone,
		},
		{
			name:    "required without enforcement date starts grace",
			sec:     storage.SecuritySettings{MfaRequired: true, MfaGracePeriodDays: 7},
			want:    mfaEnroll,
			canSkip: true,
			starts:  true,
		},
		{
			name: "inside grace window can skip",
			sec: storage.SecuritySettings{
				MfaRequired:        true,
				MfaGracePeriodDays: 7,
				MfaEnforcementDate: daysAgo(3),
			},
			want:    mfaEnroll,
			canSkip: true,
		},
		{
			name: "expired grace window forbids issuance",
			sec: storage.SecuritySettings{
				MfaRequired:        true,
				MfaGracePeriodDays: 7,
				MfaEnforcementDate: daysAgo(10),
			},
			want:    mfaEnroll,
			canSkip: false,
		},
		{
			name: "per-user grace start is honored",
			sec:  storage.SecuritySettings{MfaRequired: true, MfaGracePeriodDays: 7},
			user: storage.User{MfaEnforcedAt: daysAgo(8)},
			want: mfaEnroll,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := evalMfaPolicy(tt.sec, tt.user, tt.verified, now)
			assert.Equal(t, tt.want, d.action)
			assert.Equal(t, tt.canSkip, d.canSkip)
			assert.Equal(t, tt.starts, d.startGrace)
			if d.action == mfaEnroll {
				require.NotNil(t, d.graceExpires)
			}
		})
	}
}

func TestEvalMfaPolicyGraceBoundary(t *testing.T) {
	now := time.Now()
	enforcement := now.Add(-7 * 24 * time.Hour)

	// Exactly at expiry the window is closed.
	d := evalMfaPolicy(storage.SecuritySettings{
		MfaRequired:        true,
		MfaGracePeriodDays: 7,
		MfaEnforcementDate: &enforcement,
	}, storage.User{}, 0, now)

	assert.Equal(t, mfaEnroll, d.action)
	assert.False(t, d.canSkip)
	assert.Equal(t, now, *d.graceExpires)
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher()

	hash, err := h.Hash("hunter2")
	require.NoError(t, err)
	assert.NoError(t, h.Compare(hash, "hunter2"))
	assert.Error(t, h.Compare(hash, "hunter3"))
}

func TestDummyHashNeverMatches(t *testing.T) {
	h := NewBcryptHasher()
	for _, guess := range []string{"password", "hunter2", ""} {
		assert.Error(t, h.Compare(dummyHash, guess))
	}
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc123", "abc123"))
	assert.False(t, SecureCompare("abc123", "abc124"))
	assert.False(t, SecureCompare("abc", "abc123"))
	assert.True(t, SecureCompare("", ""))
}
