// Package security holds credential-comparison helpers.
package security

import "crypto/subtle"

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first mismatching byte through timing. Use it for
// API keys and webhook secrets. Length is not secret; inputs of different
// length compare unequal immediately.
func ConstantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
