package oauth2server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretHashSaltLength = 16
	secretHashIterations = 100000
	secretHashKeyLength  = 32
)

// HashSecret derives a PBKDF2 hash of a client secret in
// "iterations.salt.key" form, salt and key base64url encoded. Embedding
// the iteration count lets the cost grow later without invalidating
// hashes already stored in client registries.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	return fmt.Sprintf("%d.%s.%s",
		secretHashIterations,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(derivedKey)), nil
}

// VerifySecretHash checks secret against a stored hash. The older
// "salt.key" form without an iteration count is still accepted and
// verified at the current default cost.
func VerifySecretHash(secret, hash string) (bool, error) {
	parts := strings.Split(hash, ".")
	iterations := secretHashIterations
	switch len(parts) {
	case 2:
	case 3:
		parsed, err := strconv.Atoi(parts[0])
		if err != nil || parsed <= 0 {
			return false, fmt.Errorf("invalid iteration count")
		}
		iterations = parsed
		parts = parts[1:]
	default:
		return false, fmt.Errorf("invalid hash format")
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false, err
	}
	storedKey, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false, err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, iterations, len(storedKey), sha256.New)
	return subtle.ConstantTimeCompare(derivedKey, storedKey) == 1, nil
}
