package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// GenerateKey creates a fresh private key suitable for alg, with kid set to
// the RFC 7638 thumbprint, use "sig" and an optional expiration.
func GenerateKey(alg jwa.SignatureAlgorithm, expiresAt time.Time) (jwk.Key, error) {
	var raw any
	var err error
	switch alg {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	case jwa.ES256:
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.ES512:
		raw, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jwa.EdDSA:
		_, raw, err = ed25519.GenerateKey(rand.Reader)
	case jwa.HS256, jwa.HS384, jwa.HS512:
		secret := make([]byte, 32)
		_, err = rand.Read(secret)
		raw = secret
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: could not generate key for %s: %w", alg, err)
	}

	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("signing: could not create jwk from key: %w", err)
	}

	t, err := ThumbprintS256(key)
	if err != nil {
		return nil, err
	}
	key.Set(jwk.KeyIDKey, t)
	key.Set(jwk.KeyUsageKey, "sig")
	key.Set(jwk.AlgorithmKey, alg)
	if !expiresAt.IsZero() {
		key.Set("exp", expiresAt.Unix())
	}
	return key, nil
}

// GenerateKeySet creates one key per algorithm.
func GenerateKeySet(algs []jwa.SignatureAlgorithm, expiresAt time.Time) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, alg := range algs {
		key, err := GenerateKey(alg, expiresAt)
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("signing: could not add key: %w", err)
		}
	}
	return set, nil
}

func ThumbprintS256(key jwk.Key) (string, error) {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("signing: could not create thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// LoadKeySetFromFile reads a private JWKS (JSON) or a single PEM key from
// path. PEM keys get a thumbprint kid assigned.
func LoadKeySetFromFile(path string) (jwk.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read key file %q: %w", path, err)
	}
	set, err := jwk.Parse(data)
	if err == nil {
		return set, nil
	}

	key, pemErr := jwk.ParseKey(data, jwk.WithPEM(true))
	if pemErr != nil {
		return nil, fmt.Errorf("signing: parse key file %q: %w", path, err)
	}
	if key.KeyID() == "" {
		t, err := ThumbprintS256(key)
		if err != nil {
			return nil, err
		}
		key.Set(jwk.KeyIDKey, t)
	}
	set = jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("signing: could not add key: %w", err)
	}
	return set, nil
}
