// Authorization grant state shared by the token endpoint flows.
package grant

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Type identifies the flow a grant was created by.
type Type string

const (
	TypeAuthorizationCode Type = "authorization_code"
	TypeClientCredentials Type = "client_credentials"
	TypePassword          Type = "password"
	TypeRefreshToken      Type = "refresh_token"
	TypeCiba              Type = "urn:openid:params:grant-type:ciba"
	TypeUmaTicket         Type = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Grant is the durable record behind a set of issued tokens. One grant is
// created per authorization and updated as codes are consumed and refresh
// tokens rotate.
type Grant struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id,omitempty"`

	Scopes             []string  `json:"scopes,omitempty"`
	ACR                string    `json:"acr,omitempty"`
	AMR                []string  `json:"amr,omitempty"`
	AuthenticationTime time.Time `json:"auth_time,omitzero"`
	Nonce              string    `json:"nonce,omitempty"`
	State              string    `json:"state,omitempty"`
	RedirectURI        string    `json:"redirect_uri,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Code              string   `json:"code,omitempty"`
	AuthReqID         string   `json:"auth_req_id,omitempty"`
	RefreshTokenValue string   `json:"refresh_token,omitempty"`
	AccessTokenValues []string `json:"access_tokens,omitempty"`

	// TokenBindingHash pins tokens of this grant to a client certificate
	// or DPoP key.
	TokenBindingHash string `json:"token_binding_hash,omitempty"`

	// Claims carries resolved user claims for ID token minting.
	Claims map[string]any `json:"claims,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func New(grantType Type, clientID string) *Grant {
	return &Grant{
		ID:        ksuid.New().String(),
		Type:      grantType,
		ClientID:  clientID,
		CreatedAt: time.Now(),
	}
}

func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// CheckScopesPolicy narrows requested against the scopes authorized on the
// grant. An empty request means the full authorized set; anything outside
// the authorized set is silently dropped, never escalated.
func (g *Grant) CheckScopesPolicy(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), g.Scopes...)
	}
	authorized := make(map[string]struct{}, len(g.Scopes))
	for _, s := range g.Scopes {
		authorized[s] = struct{}{}
	}
	var granted []string
	for _, s := range requested {
		if _, ok := authorized[s]; ok {
			granted = append(granted, s)
		}
	}
	return granted
}

// HasScope reports whether the grant authorizes scope.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
