package oauth2server

// OAuth2 Authorization Server Metadata
// See https://datatracker.ietf.org/doc/html/rfc8414
type Metadata struct {
	Issuer                                     string   `json:"issuer" yaml:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint" yaml:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint" yaml:"token_endpoint"`
	JwksURI                                    string   `json:"jwks_uri,omitempty" yaml:"jwks_uri"`
	RegistrationEndpoint                       string   `json:"registration_endpoint,omitempty" yaml:"registration_endpoint"`
	ScopesSupported                            []string `json:"scopes_supported" yaml:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported" yaml:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported" yaml:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported" yaml:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported" yaml:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported" yaml:"token_endpoint_auth_signing_alg_values_supported"`
	ServiceDocumentation                       string   `json:"service_documentation,omitempty" yaml:"service_documentation"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty" yaml:"introspection_endpoint"`
	EndSessionEndpoint                         string   `json:"end_session_endpoint,omitempty" yaml:"end_session_endpoint"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported" yaml:"code_challenge_methods_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported,omitempty" yaml:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported,omitempty" yaml:"subject_types_supported"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported,omitempty" yaml:"dpop_signing_alg_values_supported"`

	// CIBA (OpenID Connect Client-Initiated Backchannel Authentication)
	BackchannelAuthenticationEndpoint      string   `json:"backchannel_authentication_endpoint,omitempty" yaml:"backchannel_authentication_endpoint"`
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty" yaml:"backchannel_token_delivery_modes_supported"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported,omitempty" yaml:"backchannel_user_code_parameter_supported"`
	BackchannelDeviceRegistrationEndpoint  string   `json:"backchannel_device_registration_endpoint,omitempty" yaml:"backchannel_device_registration_endpoint"`
	BackchannelLogoutSupported             bool     `json:"backchannel_logout_supported,omitempty" yaml:"backchannel_logout_supported"`

	// UMA 2.0 (Federated Authorization)
	ResourceRegistrationEndpoint string `json:"resource_registration_endpoint,omitempty" yaml:"resource_registration_endpoint"`
	PermissionEndpoint           string `json:"permission_endpoint,omitempty" yaml:"permission_endpoint"`
	RPTIntrospectionEndpoint     string `json:"introspection_endpoint_rpt,omitempty" yaml:"introspection_endpoint_rpt"`
}

// ExtendedMetadata carries the non-RFC8414 extras this server publishes.
type ExtendedMetadata struct {
	Metadata `yaml:",inline"`

	NonceEndpoint string `json:"nonce_endpoint,omitempty" yaml:"nonce_endpoint"`
}
