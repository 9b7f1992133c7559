// Minting and validation of the server's access, ID and logout tokens.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"

	"github.com/JanssenProject/jans-sub052/signing"
)

var (
	ErrNoSigningKey = errors.New("token: no signing key available")
)

// ClaimMutator runs over a token right before signing. Mutators can add,
// rewrite or remove claims. An error aborts the mint.
type ClaimMutator func(t jwt.Token) error

// Codec mints and parses the tokens the server issues. All JWTs are signed
// with the active key selected from the codec's provider.
type Codec struct {
	Issuer      string
	Provider    *signing.Provider
	DefaultAlg  jwa.SignatureAlgorithm
	KeyStrategy signing.Strategy

	AccessTokenLifetime  time.Duration
	IDTokenLifetime      time.Duration
	RefreshTokenLifetime time.Duration

	// FilterClaimsOnTokenSubstitution drops the profile, email, address and
	// phone claim groups from an ID token whenever an opaque access token
	// or an authorization code was issued in the same response. Relying
	// parties then obtain those claims from the userinfo endpoint instead.
	FilterClaimsOnTokenSubstitution bool

	Mutators []ClaimMutator

	now func() time.Time
}

func NewCodec(issuer string, provider *signing.Provider, alg jwa.SignatureAlgorithm) *Codec {
	return &Codec{
		Issuer:               issuer,
		Provider:             provider,
		DefaultAlg:           alg,
		KeyStrategy:          signing.StrategyFirst,
		AccessTokenLifetime:  5 * time.Minute,
		IDTokenLifetime:      1 * time.Hour,
		RefreshTokenLifetime: 24 * time.Hour,
		now:                  time.Now,
	}
}

func (c *Codec) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// NewHandle returns a 256-bit opaque token value.
func NewHandle() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token: could not read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// AccessTokenInput carries everything the codec needs to mint an access
// token for a grant.
type AccessTokenInput struct {
	ClientID           string
	Subject            string
	Username           string
	Scopes             []string
	ACR                string
	AuthenticationTime time.Time
	Audience           []string
	Lifetime           time.Duration

	// CertificateThumbprint and JWKThumbprint populate the cnf claim for
	// mTLS- and DPoP-bound tokens.
	CertificateThumbprint string
	JWKThumbprint         string

	// Opaque mints a reference token instead of a JWT.
	Opaque bool
}

// AccessToken is a minted access token together with its registry metadata.
type AccessToken struct {
	Value     string
	TokenType string
	ExpiresIn int64
	ExpiresAt time.Time
	Opaque    bool
}

// MintAccessToken issues an access token for input. JWT access tokens carry
// the scope, client_id, username, token_type, acr and auth_time claims on
// top of the registered ones.
func (c *Codec) MintAccessToken(input AccessTokenInput) (*AccessToken, error) {
	lifetime := input.Lifetime
	if lifetime <= 0 {
		lifetime = c.AccessTokenLifetime
	}
	now := c.clock()
	expiresAt := now.Add(lifetime)

	// DPoP-bound tokens carry their own token type, RFC 9449 section 5
	tokenType := "Bearer"
	if input.JWKThumbprint != "" {
		tokenType = "DPoP"
	}

	if input.Opaque {
		return &AccessToken{
			Value:     NewHandle(),
			TokenType: tokenType,
			ExpiresIn: int64(lifetime.Seconds()),
			ExpiresAt: expiresAt,
			Opaque:    true,
		}, nil
	}

	t := jwt.New()
	t.Set(jwt.IssuerKey, c.Issuer)
	t.Set(jwt.SubjectKey, input.Subject)
	t.Set(jwt.IssuedAtKey, now)
	t.Set(jwt.NotBeforeKey, now)
	t.Set(jwt.ExpirationKey, expiresAt)
	t.Set(jwt.JwtIDKey, ksuid.New().String())
	t.Set("client_id", input.ClientID)
	t.Set("token_type", tokenType)
	t.Set("scope", strings.Join(input.Scopes, " "))
	if len(input.Audience) > 0 {
		t.Set(jwt.AudienceKey, input.Audience)
	} else {
		t.Set(jwt.AudienceKey, input.ClientID)
	}
	if input.Username != "" {
		t.Set("username", input.Username)
	}
	if input.ACR != "" {
		t.Set("acr", input.ACR)
	}
	if !input.AuthenticationTime.IsZero() {
		t.Set("auth_time", input.AuthenticationTime.Unix())
	}
	cnf := map[string]any{}
	if input.CertificateThumbprint != "" {
		cnf["x5t#S256"] = input.CertificateThumbprint
	}
	if input.JWKThumbprint != "" {
		cnf["jkt"] = input.JWKThumbprint
	}
	if len(cnf) > 0 {
		t.Set("cnf", cnf)
	}

	signed, err := c.sign(t)
	if err != nil {
		return nil, err
	}
	return &AccessToken{
		Value:     string(signed),
		TokenType: tokenType,
		ExpiresIn: int64(lifetime.Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}

// IDTokenInput describes the token response context an ID token is minted
// in. The companion token values feed the hash claims.
type IDTokenInput struct {
	ClientID           string
	Subject            string
	Nonce              string
	ACR                string
	AMR                []string
	AuthenticationTime time.Time
	SessionID          string

	AccessTokenValue  string
	AccessTokenOpaque bool
	Code              string
	State             string
	RefreshTokenValue string
	AuthReqID         string

	// Claims holds the resolved user claims keyed by claim name.
	Claims map[string]any
}

// scopeClaimGroups lists the standard claims dropped when an ID token is
// filtered in favor of userinfo.
var scopeClaimGroups = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":        {"email", "email_verified"},
	"address":      {"address"},
	"phone_number": {"phone_number", "phone_number_verified"},
}

// MintIDToken issues an ID token. Hash claims are derived from the
// companion tokens present in input: at_hash from the access token, c_hash
// from the code, s_hash from the state, rt_hash from the refresh token.
func (c *Codec) MintIDToken(input IDTokenInput) (string, error) {
	now := c.clock()
	t := jwt.New()
	t.Set(jwt.IssuerKey, c.Issuer)
	t.Set(jwt.SubjectKey, input.Subject)
	t.Set(jwt.AudienceKey, input.ClientID)
	t.Set(jwt.IssuedAtKey, now)
	t.Set(jwt.ExpirationKey, now.Add(c.IDTokenLifetime))
	if input.Nonce != "" {
		t.Set("nonce", input.Nonce)
	}
	if input.ACR != "" {
		t.Set("acr", input.ACR)
	}
	if len(input.AMR) > 0 {
		t.Set("amr", input.AMR)
	}
	if !input.AuthenticationTime.IsZero() {
		t.Set("auth_time", input.AuthenticationTime.Unix())
	}
	if input.SessionID != "" {
		t.Set("sid", input.SessionID)
	}
	if input.AccessTokenValue != "" {
		t.Set("at_hash", HalfHash(input.AccessTokenValue, c.DefaultAlg))
	}
	if input.Code != "" {
		t.Set("c_hash", HalfHash(input.Code, c.DefaultAlg))
	}
	if input.State != "" {
		t.Set("s_hash", HalfHash(input.State, c.DefaultAlg))
	}
	if input.RefreshTokenValue != "" {
		t.Set("rt_hash", HalfHash(input.RefreshTokenValue, c.DefaultAlg))
	}
	if input.AuthReqID != "" {
		t.Set("urn:openid:params:jwt:claim:auth_req_id", input.AuthReqID)
		if input.RefreshTokenValue != "" {
			t.Set("urn:openid:params:jwt:claim:rt_hash", HalfHash(input.RefreshTokenValue, c.DefaultAlg))
		}
	}

	filtered := c.FilterClaimsOnTokenSubstitution && (input.AccessTokenOpaque || input.Code != "")
	for name, value := range input.Claims {
		if filtered && isFilteredClaim(name) {
			continue
		}
		t.Set(name, value)
	}

	signed, err := c.sign(t)
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func isFilteredClaim(name string) bool {
	for _, claims := range scopeClaimGroups {
		for _, claim := range claims {
			if claim == name {
				return true
			}
		}
	}
	return false
}

// MintLogoutToken issues a back-channel logout token per OIDC Back-Channel
// Logout 1.0. At least one of subject and sessionID must be set.
func (c *Codec) MintLogoutToken(clientID, subject, sessionID string) (string, error) {
	if subject == "" && sessionID == "" {
		return "", errors.New("token: logout token needs a subject or a session id")
	}
	now := c.clock()
	t := jwt.New()
	t.Set(jwt.IssuerKey, c.Issuer)
	t.Set(jwt.AudienceKey, clientID)
	t.Set(jwt.IssuedAtKey, now)
	t.Set(jwt.ExpirationKey, now.Add(2*time.Minute))
	t.Set(jwt.JwtIDKey, ksuid.New().String())
	t.Set("events", map[string]any{
		"http://schemas.openid.net/event/backchannel-logout": map[string]any{},
	})
	if subject != "" {
		t.Set(jwt.SubjectKey, subject)
	}
	if sessionID != "" {
		t.Set("sid", sessionID)
	}
	signed, err := c.sign(t)
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (c *Codec) sign(t jwt.Token) ([]byte, error) {
	for _, mutate := range c.Mutators {
		if err := mutate(t); err != nil {
			return nil, fmt.Errorf("token: claim mutator: %w", err)
		}
	}
	key := c.Provider.ActiveKey(c.DefaultAlg, c.KeyStrategy)
	if key == nil {
		return nil, fmt.Errorf("%w: alg %s", ErrNoSigningKey, c.DefaultAlg)
	}
	signed, err := jwt.Sign(t, jwt.WithKey(c.DefaultAlg, key))
	if err != nil {
		return nil, fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Parse validates a JWT issued by this server against the provider's public
// keys and the issuer claim.
func (c *Codec) Parse(value string) (jwt.Token, error) {
	public, err := c.Provider.PublicJWKS()
	if err != nil {
		return nil, err
	}
	t, err := jwt.Parse([]byte(value),
		jwt.WithKeySet(public),
		jwt.WithIssuer(c.Issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	return t, nil
}
