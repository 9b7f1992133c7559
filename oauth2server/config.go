package oauth2server

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JanssenProject/jans-sub052/ciba"
	"github.com/JanssenProject/jans-sub052/nonce"
)

type Config struct {
	BaseDir            string   `yaml:"-"`
	ListenAddress      string   `yaml:"listen_address"`
	Issuer             string   `yaml:"issuer" validate:"required"`
	SignPrivateKeyPath string   `yaml:"sign_private_key_path"`
	SigningAlgorithm   string   `yaml:"signing_algorithm"`
	KeySelection       string   `yaml:"key_selection"`
	ScopesSupported    []string `yaml:"scopes_supported"`

	AccessTokenLifetimeSeconds  int64 `yaml:"access_token_lifetime_seconds"`
	IDTokenLifetimeSeconds      int64 `yaml:"id_token_lifetime_seconds"`
	RefreshTokenLifetimeSeconds int64 `yaml:"refresh_token_lifetime_seconds"`
	AuthorizationCodeLifetime   int64 `yaml:"authorization_code_lifetime_seconds"`

	// FilterClaimsOnTokenSubstitution enables the ID token claim-filtering
	// rule when an opaque companion token is issued.
	FilterClaimsOnTokenSubstitution bool `yaml:"filter_claims_on_token_substitution"`

	MetadataTemplate ExtendedMetadata `yaml:"metadata_template"`
	Endpoints        EndpointsConfig  `yaml:"endpoints" validate:"omitempty"`
	Clients          []ClientMetadata `yaml:"clients" validate:"omitempty,dive"`
	ValkeyConfig     *ValkeyConfig    `yaml:"valkey"`

	UmaTicketLifetimeSeconds int64 `yaml:"uma_ticket_lifetime_seconds"`
	UmaRPTLifetimeSeconds    int64 `yaml:"uma_rpt_lifetime_seconds"`

	CibaRequestLifetimeSeconds int64 `yaml:"ciba_request_lifetime_seconds"`
	CibaPollIntervalSeconds    int64 `yaml:"ciba_poll_interval_seconds"`

	// some collaborators can only be set programmatically
	NonceService         nonce.Service         `yaml:"-"`
	ClientsRegistry      ClientsRegistry       `yaml:"-"`
	UserDirectory        UserDirectory         `yaml:"-"`
	SessionStore         SessionStore          `yaml:"-"`
	CibaUserResolver     ciba.UserResolverFunc `yaml:"-"`
	CibaDeviceRegistry   ciba.DeviceRegistry   `yaml:"-"`
	CibaNotifier         ciba.Notifier         `yaml:"-"`
	AuthenticateUserFunc AuthenticateUserFunc  `yaml:"-"`
}

// LoadConfigFile reads the yaml configuration, expanding ${VAR}
// references from the environment. Relative paths inside the file are
// resolved against its directory.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	return cfg, nil
}

type ValkeyConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type EndpointsConfig struct {
	AuthorizationServerMetadata string `yaml:"authorization_server_metadata"`
	Jwks                        string `yaml:"jwks"`
	Nonce                       string `yaml:"nonce"`
	Authorization               string `yaml:"authorization"`
	Token                       string `yaml:"token"`
	Introspection               string `yaml:"introspection"`
	Revocation                  string `yaml:"revocation"`
	EndSession                  string `yaml:"end_session"`
	BackchannelAuthentication   string `yaml:"backchannel_authentication"`
	BackchannelDeviceRegistry   string `yaml:"backchannel_device_registration"`
	ResourceRegistration        string `yaml:"resource_registration"`
	Permission                  string `yaml:"permission"`
	RPTStatus                   string `yaml:"rpt_status"`
}

func (s *EndpointsConfig) applyDefaults(baseURI *url.URL) {
	basePath := strings.TrimRight(baseURI.Path, "/")
	if basePath == "/" {
		basePath = ""
	}

	if s.AuthorizationServerMetadata == "" {
		s.AuthorizationServerMetadata = basePath + "/.well-known/oauth-authorization-server"
	}
	if s.Jwks == "" {
		s.Jwks = basePath + "/jwks"
	}
	if s.Nonce == "" {
		s.Nonce = basePath + "/nonce"
	}
	if s.Authorization == "" {
		s.Authorization = basePath + "/auth"
	}
	if s.Token == "" {
		s.Token = basePath + "/token"
	}
	if s.Introspection == "" {
		s.Introspection = basePath + "/introspect"
	}
	if s.Revocation == "" {
		s.Revocation = basePath + "/revoke"
	}
	if s.EndSession == "" {
		s.EndSession = basePath + "/end_session"
	}
	if s.BackchannelAuthentication == "" {
		s.BackchannelAuthentication = basePath + "/bc-authorize"
	}
	if s.BackchannelDeviceRegistry == "" {
		s.BackchannelDeviceRegistry = basePath + "/bc-deviceRegistration"
	}
	if s.ResourceRegistration == "" {
		s.ResourceRegistration = basePath + "/host/rsrc/resource_set"
	}
	if s.Permission == "" {
		s.Permission = basePath + "/host/rsrc_pr"
	}
	if s.RPTStatus == "" {
		s.RPTStatus = basePath + "/rpt/status"
	}
}

func (c *Config) accessTokenLifetime() time.Duration {
	return durationOrDefault(c.AccessTokenLifetimeSeconds, 5*time.Minute)
}

func (c *Config) idTokenLifetime() time.Duration {
	return durationOrDefault(c.IDTokenLifetimeSeconds, 1*time.Hour)
}

func (c *Config) refreshTokenLifetime() time.Duration {
	return durationOrDefault(c.RefreshTokenLifetimeSeconds, 24*time.Hour)
}

func (c *Config) authorizationCodeLifetime() time.Duration {
	return durationOrDefault(c.AuthorizationCodeLifetime, 1*time.Minute)
}

func durationOrDefault(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func absPath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
