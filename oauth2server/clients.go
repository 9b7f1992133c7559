package oauth2server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// Token delivery modes for backchannel authentication.
const (
	DeliveryModePoll = "poll"
	DeliveryModePing = "ping"
	DeliveryModePush = "push"
)

// ClientMetadata is the registered client record. It is owned by the
// registration service and read-only for the protocol engines.
type ClientMetadata struct {
	Type             ClientType `yaml:"type" json:"type" validate:"required,oneof=confidential public"`
	ClientID         string     `yaml:"client_id" json:"client_id" validate:"required"`
	ClientSecretHash string     `yaml:"client_secret_hash" json:"client_secret_hash"`
	RedirectURIs     []string   `yaml:"redirect_uris" json:"redirect_uris"`
	Scopes           []string   `yaml:"scopes" json:"scopes"`
	GrantTypes       []string   `yaml:"grant_types" json:"grant_types"`
	ClientName       string     `yaml:"client_name" json:"client_name"`
	LogoURI          string     `yaml:"logo_uri" json:"logo_uri"`
	Disabled         bool       `yaml:"disabled" json:"disabled"`

	// AccessTokenFormat is "jwt" or "reference"; reference tokens are
	// opaque handles resolved through introspection.
	AccessTokenFormat string `yaml:"access_token_format" json:"access_token_format" validate:"omitempty,oneof=jwt reference"`

	BackchannelTokenDeliveryMode          string `yaml:"backchannel_token_delivery_mode" json:"backchannel_token_delivery_mode" validate:"omitempty,oneof=poll ping push"`
	BackchannelClientNotificationEndpoint string `yaml:"backchannel_client_notification_endpoint" json:"backchannel_client_notification_endpoint"`
	BackchannelLogoutURI                  string `yaml:"backchannel_logout_uri" json:"backchannel_logout_uri"`
	FrontchannelLogoutURI                 string `yaml:"frontchannel_logout_uri" json:"frontchannel_logout_uri"`
}

type ClientsRegistry interface {
	GetClientMetadata(clientID string) (*ClientMetadata, error)
}

type StaticClientsRegistry struct {
	Clients []ClientMetadata `yaml:"clients" json:"clients" validate:"required,dive,required"`
}

func (r *StaticClientsRegistry) GetClientMetadata(clientID string) (*ClientMetadata, error) {
	if r.Clients == nil {
		return nil, fmt.Errorf("no clients configured")
	}
	for _, client := range r.Clients {
		if client.ClientID == clientID {
			return &client, nil
		}
	}
	return nil, fmt.Errorf("client not found: '%s'", clientID)
}

func (m *ClientMetadata) IsAllowedRedirectURI(redirectURI string) bool {
	for _, uri := range m.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) IsAllowedScope(scope string) bool {
	for _, s := range m.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) IsAllowedScopes(scopes []string) bool {
	for _, scope := range scopes {
		if !m.IsAllowedScope(scope) {
			return false
		}
	}
	return true
}

// IsAllowedGrantType reports whether the client registered for grantType.
// A client with no grant_types at all only gets authorization_code.
func (m *ClientMetadata) IsAllowedGrantType(grantType string) bool {
	if len(m.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	for _, g := range m.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) UsesReferenceAccessTokens() bool {
	return m.AccessTokenFormat == "reference"
}

// ValkeyClientsRegistry reads client records maintained by the external
// registration service out of Valkey.
type ValkeyClientsRegistry struct {
	valkeyClient valkey.Client
}

func NewValkeyClientsRegistry(option valkey.ClientOption) (*ValkeyClientsRegistry, error) {
	valkeyClient, err := valkey.NewClient(option)
	if err != nil {
		return nil, err
	}
	return &ValkeyClientsRegistry{valkeyClient: valkeyClient}, nil
}

func clientKey(clientID string) string {
	return "client:" + clientID
}

func (r *ValkeyClientsRegistry) GetClientMetadata(clientID string) (*ClientMetadata, error) {
	ctx := context.Background()
	result := r.valkeyClient.Do(ctx, r.valkeyClient.B().Get().Key(clientKey(clientID)).Build())
	data, err := result.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, fmt.Errorf("client not found: '%s'", clientID)
		}
		return nil, fmt.Errorf("reading client from Valkey: %w", err)
	}
	var metadata ClientMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling client metadata: %w", err)
	}
	return &metadata, nil
}

// PutClientMetadata writes a client record, used by provisioning tooling
// and tests.
func (r *ValkeyClientsRegistry) PutClientMetadata(metadata *ClientMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling client metadata: %w", err)
	}
	ctx := context.Background()
	cmd := r.valkeyClient.B().Set().Key(clientKey(metadata.ClientID)).Value(string(data)).Build()
	if err := r.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing client in Valkey: %w", err)
	}
	return nil
}
