// Implementation of https://www.rfc-editor.org/rfc/rfc9449.html
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

const (
	HeaderName   = "DPoP"
	ProofJWTType = "dpop+jwt"
)

// PrivateKey is an ephemeral proof-of-possession key on the client side.
type PrivateKey struct {
	JwkPrivate jwk.Key
	JwkPublic  jwk.Key
	Thumbprint string
}

// NewPrivateKey creates a new ephemeral P-256 key for DPoP proofs.
func NewPrivateKey() (*PrivateKey, error) {
	rawKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key, err := jwk.FromRaw(rawKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	thumbprintBytes, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute thumbprint: %w", err)
	}

	publicKey, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}

	return &PrivateKey{
		JwkPrivate: key,
		JwkPublic:  publicKey,
		Thumbprint: base64.RawURLEncoding.EncodeToString(thumbprintBytes),
	}, nil
}

// Proof is a parsed or to-be-signed DPoP proof JWT.
type Proof struct {
	ID              string
	HTTPMethod      string
	HTTPURI         string
	IssuedAt        time.Time
	AccessTokenHash string
	Nonce           string
	Key             jwk.Key
	KeyThumbprint   string
}

func (p *Proof) validate() error {
	if p.ID == "" {
		return fmt.Errorf("JWT ID (jti) is required")
	}
	if p.HTTPMethod == "" {
		return fmt.Errorf("HTTP method (htm) is required")
	}
	if p.HTTPURI == "" {
		return fmt.Errorf("HTTP URI (htu) is required")
	}
	return nil
}

// Sign produces the compact serialized proof JWT with the public key
// embedded in the protected header.
func (p *Proof) Sign(privateKey *PrivateKey) (string, error) {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = time.Now()
	}
	if err := p.validate(); err != nil {
		return "", err
	}

	t := jwt.New()
	t.Set(jwt.JwtIDKey, p.ID)
	t.Set("htm", p.HTTPMethod)
	t.Set("htu", p.HTTPURI)
	t.Set(jwt.IssuedAtKey, p.IssuedAt)
	if p.AccessTokenHash != "" {
		t.Set("ath", p.AccessTokenHash)
	}
	if p.Nonce != "" {
		t.Set("nonce", p.Nonce)
	}

	headers := jws.NewHeaders()
	headers.Set(jws.TypeKey, ProofJWTType)
	headers.Set(jws.JWKKey, privateKey.JwkPublic)

	signed, err := jwt.Sign(t, jwt.WithKey(jwa.ES256, privateKey.JwkPrivate, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("unable to sign proof: %w", err)
	}
	return string(signed), nil
}

// Parse verifies a compact proof JWT using the key embedded in its
// protected header and returns the proof claims. Callers still need to
// check htm, htu and the proof age against the request being protected.
func Parse(value string) (*Proof, error) {
	// peek at the headers before any signature check
	unsafeMessage, err := jws.Parse([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("unable to parse proof: %w", err)
	}
	if len(unsafeMessage.Signatures()) == 0 {
		return nil, fmt.Errorf("no signatures found")
	}

	protectedHeaders := unsafeMessage.Signatures()[0].ProtectedHeaders()
	if protectedHeaders == nil {
		return nil, fmt.Errorf("no protected headers found")
	}
	if tokenType := protectedHeaders.Type(); tokenType != ProofJWTType {
		return nil, fmt.Errorf("invalid token type: %s", tokenType)
	}

	proofKey := protectedHeaders.JWK()
	if proofKey == nil {
		return nil, fmt.Errorf("no JWK found in protected headers")
	}
	alg, err := allowedAlgorithm(protectedHeaders.Algorithm())
	if err != nil {
		return nil, err
	}

	// parse again, now verifying with the embedded key
	verifiedToken, err := jwt.Parse([]byte(value), jwt.WithKey(alg, proofKey))
	if err != nil {
		return nil, fmt.Errorf("unable to verify proof: %w", err)
	}

	proof := &Proof{Key: proofKey}

	if proof.ID = verifiedToken.JwtID(); proof.ID == "" {
		return nil, fmt.Errorf("claim jti is required")
	}
	if proof.HTTPMethod, err = stringClaim(verifiedToken, "htm"); err != nil {
		return nil, err
	}
	if proof.HTTPURI, err = stringClaim(verifiedToken, "htu"); err != nil {
		return nil, err
	}
	if proof.IssuedAt = verifiedToken.IssuedAt(); proof.IssuedAt.IsZero() {
		return nil, fmt.Errorf("claim iat is required")
	}
	if raw, ok := verifiedToken.Get("ath"); ok {
		proof.AccessTokenHash, _ = raw.(string)
	}
	if raw, ok := verifiedToken.Get("nonce"); ok {
		proof.Nonce, _ = raw.(string)
	}

	thumbprintBytes, err := proofKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("unable to compute key thumbprint: %w", err)
	}
	proof.KeyThumbprint = base64.RawURLEncoding.EncodeToString(thumbprintBytes)

	return proof, nil
}

// allowedAlgorithm rejects symmetric and unsigned proofs.
func allowedAlgorithm(alg jwa.SignatureAlgorithm) (jwa.SignatureAlgorithm, error) {
	switch alg {
	case jwa.ES256, jwa.ES384, jwa.ES512,
		jwa.RS256, jwa.RS384, jwa.RS512,
		jwa.PS256, jwa.PS384, jwa.PS512,
		jwa.EdDSA:
		return alg, nil
	}
	return "", fmt.Errorf("algorithm not allowed for proofs: %s", alg)
}

func stringClaim(t jwt.Token, name string) (string, error) {
	raw, ok := t.Get(name)
	if !ok {
		return "", fmt.Errorf("claim %s is required", name)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("claim %s must be a non-empty string", name)
	}
	return value, nil
}
