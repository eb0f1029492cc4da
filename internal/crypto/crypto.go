// Package crypto provides the key derivation, MAC and keystream primitives used by
// license envelopes, the usage ledger heartbeat and signed billing artifacts.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the size of an envelope nonce.
	NonceSize = 16

	// KeySize is the size of a derived key (SHA-256 output).
	KeySize = sha256.Size

	// DefaultIterations is the default PBKDF2 iteration count for admin password hashes.
	DefaultIterations = 260000

	// StretchSize is the PBKDF2 output length, matching the SHA-256 digest size.
	StretchSize = sha256.Size
)

// DeriveKey returns the single-pass SHA-256 of secret.
// Envelope and session keys use this; password verification uses Stretch.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// MAC computes HMAC-SHA256 of message under key.
func MAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// MACHex computes HMAC-SHA256 of message under key as lowercase hex.
func MACHex(key, message []byte) string {
	return hex.EncodeToString(MAC(key, message))
}

// Equal reports whether a and b are equal in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EqualString reports whether a and b are equal in constant time.
func EqualString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyMACHex recomputes the MAC of message and compares it against tagHex.
func VerifyMACHex(key, message []byte, tagHex string) bool {
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return false
	}
	return hmac.Equal(MAC(key, message), tag)
}

// Stretch runs PBKDF2-HMAC-SHA256 over secret.
func Stretch(secret string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, StretchSize, sha256.New)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, Wrap(ErrRandom, err)
	}
	return b, nil
}

// NewNonce returns a fresh random envelope nonce.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}
