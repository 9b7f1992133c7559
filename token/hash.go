package token

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

// HalfHash computes the OIDC x_hash value for a companion token: the
// base64url encoding of the left half of the hash of value, where the hash
// matches the digest of the ID token's signing algorithm. EdDSA (Ed25519)
// uses SHA-512.
func HalfHash(value string, alg jwa.SignatureAlgorithm) string {
	if value == "" {
		return ""
	}
	var h hash.Hash
	switch {
	case alg == jwa.EdDSA:
		h = sha512.New()
	case strings.HasSuffix(alg.String(), "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg.String(), "512"):
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	digest := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2])
}
