// JOSE signing and verification for all server-issued tokens.
package signing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

var (
	ErrKeyNotFound          = errors.New("signing: key not found")
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported algorithm")
	ErrEmptyKeySet          = errors.New("signing: key set is empty")
)

// Strategy selects the active signing key when several keys of the same
// family are present in the JWKS.
type Strategy int

const (
	StrategyFirst Strategy = iota
	StrategyOlder
	StrategyNewer
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(s) {
	case "", "FIRST":
		return StrategyFirst, nil
	case "OLDER":
		return StrategyOlder, nil
	case "NEWER":
		return StrategyNewer, nil
	}
	return StrategyFirst, fmt.Errorf("signing: unknown key selection strategy %q", s)
}

// Provider holds the server's private JWKS and signs/verifies on behalf of
// the token services. It is stateless given the key set.
type Provider struct {
	keys jwk.Set
}

func NewProvider(keys jwk.Set) (*Provider, error) {
	if keys == nil || keys.Len() == 0 {
		return nil, ErrEmptyKeySet
	}
	return &Provider{keys: keys}, nil
}

// Keys returns the private key set.
func (p *Provider) Keys() jwk.Set {
	return p.keys
}

// Key looks up a private key by kid.
func (p *Provider) Key(keyID string) (jwk.Key, bool) {
	return p.keys.LookupKeyID(keyID)
}

// Sign produces a compact JWS over signingInput with the key identified by
// keyID. HMAC algorithms expect a symmetric key in the set under the same
// kid.
func (p *Provider) Sign(signingInput []byte, keyID string, alg jwa.SignatureAlgorithm) ([]byte, error) {
	key, ok := p.keys.LookupKeyID(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, keyID)
	}
	if !KeyMatchesAlgorithm(key, alg) {
		return nil, fmt.Errorf("%w: %s cannot be used with key %q of type %s", ErrUnsupportedAlgorithm, alg, keyID, key.KeyType())
	}
	signed, err := jws.Sign(signingInput, jws.WithKey(alg, key))
	if err != nil {
		return nil, fmt.Errorf("signing: sign with %s: %w", alg, err)
	}
	return signed, nil
}

// Verify reports whether signed is a valid compact JWS under key and alg.
// Malformed input is a verification failure, never an error.
func Verify(signed []byte, key jwk.Key, alg jwa.SignatureAlgorithm) bool {
	if key == nil {
		return false
	}
	_, err := jws.Verify(signed, jws.WithKey(alg, key))
	return err == nil
}

// SelectKey picks a signing key from set for the given algorithm and use.
// With StrategyOlder/StrategyNewer keys are ordered by their "exp" field;
// the sort is stable so ties resolve deterministically. Returns nil when no
// key qualifies - the caller must treat that as a fatal configuration error.
func SelectKey(set jwk.Set, alg jwa.SignatureAlgorithm, use string, strategy Strategy) jwk.Key {
	if set == nil {
		return nil
	}
	var candidates []jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if use != "" && key.KeyUsage() != "" && key.KeyUsage() != use {
			continue
		}
		if !KeyMatchesAlgorithm(key, alg) {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return nil
	}
	if strategy == StrategyFirst {
		return candidates[0]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return keyExpiration(candidates[i]).Before(keyExpiration(candidates[j]))
	})
	if strategy == StrategyOlder {
		return candidates[0]
	}
	return candidates[len(candidates)-1]
}

// ActiveKey selects the provider's current signing key for alg.
func (p *Provider) ActiveKey(alg jwa.SignatureAlgorithm, strategy Strategy) jwk.Key {
	return SelectKey(p.keys, alg, "sig", strategy)
}

// PublicJWKS returns the public halves of all asymmetric keys, for the JWKS
// endpoint. Symmetric keys are never published.
func (p *Provider) PublicJWKS() (jwk.Set, error) {
	public := jwk.NewSet()
	for i := 0; i < p.keys.Len(); i++ {
		key, ok := p.keys.Key(i)
		if !ok {
			continue
		}
		if key.KeyType() == jwa.OctetSeq {
			continue
		}
		publicKey, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("signing: public key for %q: %w", key.KeyID(), err)
		}
		if err := public.AddKey(publicKey); err != nil {
			return nil, fmt.Errorf("signing: add public key %q: %w", key.KeyID(), err)
		}
	}
	return public, nil
}

// KeyMatchesAlgorithm reports whether key's family (and curve, for EC keys)
// is usable with alg.
func KeyMatchesAlgorithm(key jwk.Key, alg jwa.SignatureAlgorithm) bool {
	switch alg {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		return key.KeyType() == jwa.RSA
	case jwa.ES256, jwa.ES384, jwa.ES512:
		if key.KeyType() != jwa.EC {
			return false
		}
		crv, ok := keyCurve(key)
		if !ok {
			return false
		}
		return crv == curveForAlgorithm(alg)
	case jwa.EdDSA:
		return key.KeyType() == jwa.OKP
	case jwa.HS256, jwa.HS384, jwa.HS512:
		return key.KeyType() == jwa.OctetSeq
	}
	return false
}

func curveForAlgorithm(alg jwa.SignatureAlgorithm) jwa.EllipticCurveAlgorithm {
	switch alg {
	case jwa.ES256:
		return jwa.P256
	case jwa.ES384:
		return jwa.P384
	case jwa.ES512:
		return jwa.P521
	}
	return jwa.InvalidEllipticCurve
}

func keyCurve(key jwk.Key) (jwa.EllipticCurveAlgorithm, bool) {
	v, ok := key.Get(jwk.ECDSACrvKey)
	if !ok {
		return jwa.InvalidEllipticCurve, false
	}
	crv, ok := v.(jwa.EllipticCurveAlgorithm)
	return crv, ok
}

// keyExpiration reads the optional "exp" field of a JWK. Keys without an
// expiration sort as the zero time, i.e. oldest.
func keyExpiration(key jwk.Key) time.Time {
	v, ok := key.Get("exp")
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.Unix(t, 0)
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}
