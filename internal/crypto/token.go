// Package crypto implements random material and one-time token hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	saltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewToken returns a random URL-safe token carrying n bytes of entropy.
func NewToken(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns salt||Argon2id(token, salt) with a fresh random salt.
func HashToken(token []byte) ([]byte, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return nil, err
	}
	h := argon2.IDKey(token, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return append(salt, h...), nil
}

// VerifyToken verifies token against a value produced by HashToken.
func VerifyToken(token, stored []byte) bool {
	if len(stored) != saltLen+int(argonKeyLen) {
		return false
	}
	salt, expected := stored[:saltLen], stored[saltLen:]
	got := argon2.IDKey(token, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
