package auth

import "crypto/subtle"

// SecureCompare does a constant-time comparison of two token strings so
// response timing cannot be used to guess a token byte by byte.
func SecureCompare(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
