// ABOUTME: Salted password hashing for dashboard accounts
// ABOUTME: argon2id over password and a per-account random salt

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength = 16
	hashLength = 32

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

// newSalt returns saltLength random bytes.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// hashPassword derives the stored hash for password and salt.
func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, hashLength)
}

// passwordMatches recomputes the hash and compares it in constant time.
func passwordMatches(password string, salt, hash []byte) bool {
	candidate := hashPassword(password, salt)
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}
