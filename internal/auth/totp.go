package auth

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"image/png"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30 * time.Second

// TOTPService wraps time-based one-time-password generation and
// verification. Verification allows one step of clock skew either way.
type TOTPService struct {
	issuer string
}

func NewTOTPService(issuer string) *TOTPService {
	return &TOTPService{issuer: issuer}
}

// GenerateSecret creates a fresh TOTP key plus a PNG QR code for the
// enrollment screen.
func (s *TOTPService) GenerateSecret(accountName string) (*otp.Key, []byte, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return key, buf.Bytes(), nil
}

// ValidateCode checks a code against the shared secret with a ±1 step
// window for clock drift.
func (s *TOTPService) ValidateCode(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    uint(totpPeriod.Seconds()),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// sameStep reports whether two instants fall in the same TOTP step. A
// valid code is single-use per step.
func sameStep(a, b time.Time) bool {
	return a.Truncate(totpPeriod).Equal(b.Truncate(totpPeriod))
}

// GenerateBackupCodes mints single-use recovery codes in XXXX-XXXX form.
// The charset drops I, O, 0 and 1 to avoid transcription mistakes. Raw
// codes go to the user once; only hashes are stored.
func GenerateBackupCodes(count int) ([]string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codes := make([]string, count)
	for i := range codes {
		code := make([]byte, 8)
		for j := range code {
			num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
			if err != nil {
				return nil, fmt.Errorf("crypto/rand failed: %w", err)
			}
			code[j] = chars[num.Int64()]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}
	return codes, nil
}

// GenerateCode produces the current code for a secret; test helper.
func (s *TOTPService) GenerateCode(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}
