// OAuth2 / OpenID Connect authorization server with UMA 2.0 and CIBA
// support. The protocol engines live in their own packages; this package
// binds them to the HTTP surface.
package oauth2server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/segmentio/ksuid"
	"github.com/valkey-io/valkey-go"

	"github.com/JanssenProject/jans-sub052/ciba"
	"github.com/JanssenProject/jans-sub052/grant"
	"github.com/JanssenProject/jans-sub052/nonce"
	"github.com/JanssenProject/jans-sub052/signing"
	"github.com/JanssenProject/jans-sub052/token"
	"github.com/JanssenProject/jans-sub052/uma"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeCiba              = "urn:openid:params:grant-type:ciba"
	GrantTypeUmaTicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// AuthenticateUserFunc resolves the browser request at the authorization
// endpoint to an authenticated session. Deployments plug their login flow
// in here.
type AuthenticateUserFunc func(c echo.Context) (*Session, error)

type Server struct {
	Metadata      ExtendedMetadata
	endpointPaths *EndpointsConfig

	clientsRegistry  ClientsRegistry
	signingProvider  *signing.Provider
	codec            *token.Codec
	grants           *grant.Registry
	umaEngine        *uma.Engine
	cibaEngine       *ciba.Engine
	cibaDevices      ciba.DeviceRegistry
	nonceService     nonce.Service
	userDirectory    UserDirectory
	sessionStore     SessionStore
	authenticateUser AuthenticateUserFunc
	validate         *validator.Validate

	supportedGrantTypes map[string]bool
	logoutHTTPClient    *http.Client
}

func NewFromConfigFile(filename string) (*Server, error) {
	cfg, err := LoadConfigFile(filename)
	if err != nil {
		return nil, err
	}
	return New(*cfg)
}

func New(cfg Config) (*Server, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		Metadata: cfg.MetadataTemplate,
		validate: validate,
		logoutHTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	issuerURI, err := url.Parse(cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URI: %w", err)
	}
	s.endpointPaths = &cfg.Endpoints
	s.endpointPaths.applyDefaults(issuerURI)

	// signing keys
	alg := jwa.ES256
	if cfg.SigningAlgorithm != "" {
		alg = jwa.SignatureAlgorithm(cfg.SigningAlgorithm)
	}
	strategy, err := signing.ParseStrategy(cfg.KeySelection)
	if err != nil {
		return nil, err
	}
	keys, err := signing.LoadKeySetFromFile(absPath(cfg.BaseDir, cfg.SignPrivateKeyPath))
	if err != nil {
		slog.Warn("failed to load signing keys, will create random", "path", cfg.SignPrivateKeyPath)
		keys, err = signing.GenerateKeySet([]jwa.SignatureAlgorithm{alg}, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("generate signing keys: %w", err)
		}
	}
	s.signingProvider, err = signing.NewProvider(keys)
	if err != nil {
		return nil, fmt.Errorf("create signing provider: %w", err)
	}

	s.codec = token.NewCodec(cfg.Issuer, s.signingProvider, alg)
	s.codec.KeyStrategy = strategy
	s.codec.AccessTokenLifetime = cfg.accessTokenLifetime()
	s.codec.IDTokenLifetime = cfg.idTokenLifetime()
	s.codec.RefreshTokenLifetime = cfg.refreshTokenLifetime()
	s.codec.FilterClaimsOnTokenSubstitution = cfg.FilterClaimsOnTokenSubstitution

	// grant, uma and ciba state, shared through Valkey when configured
	var grantStore grant.Store
	var cibaStore ciba.Store
	var umaStore uma.Store
	if cfg.ValkeyConfig != nil {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{fmt.Sprintf("%s:%d", cfg.ValkeyConfig.Host, cfg.ValkeyConfig.Port)},
			Username:    cfg.ValkeyConfig.Username,
			Password:    cfg.ValkeyConfig.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("create valkey client: %w", err)
		}
		grantStore = grant.NewValkeyStore(valkeyClient)
		cibaStore = ciba.NewValkeyStore(valkeyClient)
		umaStore = uma.NewValkeyTicketStore(uma.NewMemoryStore(), valkeyClient)
		if cfg.NonceService == nil {
			cfg.NonceService, err = nonce.NewValkeyNonceService(valkeyClient, nonce.Options{ExpirySeconds: 300})
			if err != nil {
				return nil, fmt.Errorf("create nonce service: %w", err)
			}
		}
	} else {
		grantStore = grant.NewMemoryStore()
		cibaStore = ciba.NewMemoryStore()
		umaStore = uma.NewMemoryStore()
	}

	s.grants = grant.NewRegistry(grantStore)
	s.grants.CodeLifetime = cfg.authorizationCodeLifetime()
	s.grants.RefreshTokenLifetime = cfg.refreshTokenLifetime()

	s.umaEngine = uma.NewEngine(umaStore)
	if cfg.UmaTicketLifetimeSeconds > 0 {
		s.umaEngine.TicketLifetime = time.Duration(cfg.UmaTicketLifetimeSeconds) * time.Second
	}
	if cfg.UmaRPTLifetimeSeconds > 0 {
		s.umaEngine.RPTLifetime = time.Duration(cfg.UmaRPTLifetimeSeconds) * time.Second
	}

	s.userDirectory = cfg.UserDirectory
	s.sessionStore = cfg.SessionStore
	if s.sessionStore == nil {
		s.sessionStore = NewMemorySessionStore()
	}
	s.authenticateUser = cfg.AuthenticateUserFunc

	resolveUser := cfg.CibaUserResolver
	if resolveUser == nil && s.userDirectory != nil {
		directory := s.userDirectory
		resolveUser = func(ctx context.Context, loginHint string) (string, error) {
			user, err := directory.FindUserByLoginHint(ctx, loginHint)
			if err != nil {
				if user, err = directory.FindUserByID(ctx, loginHint); err != nil {
					return "", nil
				}
			}
			return user.ID, nil
		}
	}
	if resolveUser != nil {
		s.cibaDevices = cfg.CibaDeviceRegistry
		s.cibaEngine = ciba.NewEngine(cibaStore, resolveUser, cfg.CibaDeviceRegistry, cfg.CibaNotifier)
		if cfg.CibaRequestLifetimeSeconds > 0 {
			s.cibaEngine.RequestLifetime = time.Duration(cfg.CibaRequestLifetimeSeconds) * time.Second
		}
		if cfg.CibaPollIntervalSeconds > 0 {
			s.cibaEngine.PollInterval = time.Duration(cfg.CibaPollIntervalSeconds) * time.Second
		}
	}

	if cfg.NonceService != nil {
		s.nonceService = cfg.NonceService
	} else {
		s.nonceService, err = nonce.NewHashicorpNonceService(nonce.Options{ExpirySeconds: 300})
		if err != nil {
			return nil, fmt.Errorf("create nonce service: %w", err)
		}
	}

	if cfg.ClientsRegistry != nil {
		s.clientsRegistry = cfg.ClientsRegistry
	} else if len(cfg.Clients) > 0 {
		s.clientsRegistry = &StaticClientsRegistry{Clients: cfg.Clients}
	} else {
		slog.Warn("no OAuth2 clients configured")
	}

	s.supportedGrantTypes = map[string]bool{
		GrantTypeAuthorizationCode: true,
		GrantTypeClientCredentials: true,
		GrantTypePassword:          true,
		GrantTypeRefreshToken:      true,
		GrantTypeCiba:              s.cibaEngine != nil,
		GrantTypeUmaTicket:         true,
	}

	s.applyMetadata(cfg)

	return s, nil
}

func (s *Server) applyMetadata(cfg Config) {
	s.Metadata.Issuer = cfg.Issuer
	s.Metadata.ScopesSupported = cfg.ScopesSupported

	// set urls explicitly using the issuer
	s.Metadata.AuthorizationEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Authorization)
	s.Metadata.TokenEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Token)
	s.Metadata.JwksURI = buildURI(s.Metadata.Issuer, s.endpointPaths.Jwks)
	s.Metadata.IntrospectionEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Introspection)
	s.Metadata.RevocationEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Revocation)
	s.Metadata.EndSessionEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.EndSession)
	s.Metadata.NonceEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Nonce)
	s.Metadata.ResourceRegistrationEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.ResourceRegistration)
	s.Metadata.PermissionEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.Permission)
	s.Metadata.RPTIntrospectionEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.RPTStatus)

	// set supported parameters explicitly
	s.Metadata.ResponseTypesSupported = []string{"code"}
	s.Metadata.ResponseModesSupported = []string{"query"}
	s.Metadata.GrantTypesSupported = []string{
		GrantTypeAuthorizationCode,
		GrantTypeClientCredentials,
		GrantTypePassword,
		GrantTypeRefreshToken,
		GrantTypeUmaTicket,
	}
	s.Metadata.TokenEndpointAuthMethodsSupported = []string{"none", "client_secret_basic", "client_secret_post"}
	s.Metadata.TokenEndpointAuthSigningAlgValuesSupported = []string{s.codec.DefaultAlg.String()}
	s.Metadata.IDTokenSigningAlgValuesSupported = []string{s.codec.DefaultAlg.String()}
	s.Metadata.SubjectTypesSupported = []string{"public"}
	s.Metadata.CodeChallengeMethodsSupported = []string{"plain", "S256"}
	s.Metadata.DpopSigningAlgValuesSupported = []string{"ES256", "ES384", "ES512", "RS256", "PS256", "EdDSA"}
	s.Metadata.BackchannelLogoutSupported = true

	if s.cibaEngine != nil {
		s.Metadata.GrantTypesSupported = append(s.Metadata.GrantTypesSupported, GrantTypeCiba)
		s.Metadata.BackchannelAuthenticationEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.BackchannelAuthentication)
		s.Metadata.BackchannelDeviceRegistrationEndpoint = buildURI(s.Metadata.Issuer, s.endpointPaths.BackchannelDeviceRegistry)
		s.Metadata.BackchannelTokenDeliveryModesSupported = []string{DeliveryModePoll, DeliveryModePing}
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware,
	)

	group.GET(s.endpointPaths.AuthorizationServerMetadata, s.MetadataEndpoint)
	group.GET(s.endpointPaths.Jwks, s.JWKS)
	group.GET(s.endpointPaths.Nonce, s.NonceEndpoint)
	group.HEAD(s.endpointPaths.Nonce, s.NonceEndpoint)
	group.GET(s.endpointPaths.Authorization, s.AuthorizationEndpoint)
	group.POST(s.endpointPaths.Token, s.TokenEndpoint)
	group.POST(s.endpointPaths.Introspection, s.IntrospectionEndpoint)
	group.POST(s.endpointPaths.Revocation, s.RevocationEndpoint)
	group.GET(s.endpointPaths.EndSession, s.EndSessionEndpoint)
	group.POST(s.endpointPaths.EndSession, s.EndSessionEndpoint)

	if s.cibaEngine != nil {
		group.POST(s.endpointPaths.BackchannelAuthentication, s.BackchannelAuthorizeEndpoint)
		group.POST(s.endpointPaths.BackchannelDeviceRegistry, s.BackchannelDeviceRegistrationEndpoint)
	}

	group.POST(s.endpointPaths.ResourceRegistration, s.ResourceRegistrationEndpoint)
	group.GET(s.endpointPaths.ResourceRegistration, s.ResourceListEndpoint)
	group.GET(s.endpointPaths.ResourceRegistration+"/:rsid", s.ResourceGetEndpoint)
	group.PUT(s.endpointPaths.ResourceRegistration+"/:rsid", s.ResourceUpdateEndpoint)
	group.DELETE(s.endpointPaths.ResourceRegistration+"/:rsid", s.ResourceDeleteEndpoint)
	group.POST(s.endpointPaths.Permission, s.PermissionEndpoint)
	group.GET(s.endpointPaths.RPTStatus, s.RPTStatusEndpoint)
	group.POST(s.endpointPaths.RPTStatus, s.RPTStatusEndpoint)
}

func (s *Server) MetadataEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Metadata)
}

// JWKS serves the public JSON Web Key Set for the server.
func (s *Server) JWKS(c echo.Context) error {
	public, err := s.signingProvider.PublicJWKS()
	if err != nil {
		return serverError(err)
	}
	return c.JSON(http.StatusOK, public)
}

type NonceType struct {
	Nonce string `json:"nonce"`
}

func (s *Server) NonceEndpoint(c echo.Context) error {
	nonceStr, err := s.nonceService.Get()
	if err != nil {
		return serverError(fmt.Errorf("unable to get nonce: %w", err))
	}
	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set("Replay-Nonce", nonceStr)
		return c.NoContent(http.StatusOK)
	}
	return c.JSON(http.StatusOK, NonceType{Nonce: nonceStr})
}

// AuthorizationEndpoint runs the code flow front channel: authenticates
// the browser via the configured collaborator, records the grant and
// redirects back with a single-use code.
func (s *Server) AuthorizationEndpoint(c echo.Context) error {
	var responseType, clientID, redirectURI, scope, state, oidcNonce string
	var codeChallenge, codeChallengeMethod, acrValues string

	binderr := echo.QueryParamsBinder(c).
		MustString("response_type", &responseType).
		MustString("client_id", &clientID).
		MustString("redirect_uri", &redirectURI).
		String("scope", &scope).
		String("state", &state).
		String("nonce", &oidcNonce).
		String("code_challenge", &codeChallenge).
		String("code_challenge_method", &codeChallengeMethod).
		String("acr_values", &acrValues).
		BindError()
	if binderr != nil {
		return invalidRequest(binderr.Error())
	}

	if responseType != "code" {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        "unsupported_response_type",
			Description: fmt.Sprintf("unsupported response_type: %s", responseType),
		}
	}
	if codeChallenge != "" && codeChallengeMethod == "" {
		codeChallengeMethod = "plain"
	}
	if codeChallengeMethod != "" && codeChallengeMethod != "plain" && codeChallengeMethod != "S256" {
		return invalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", codeChallengeMethod))
	}

	if s.clientsRegistry == nil {
		return serverError(fmt.Errorf("clients registry not configured"))
	}
	client, err := s.clientsRegistry.GetClientMetadata(clientID)
	if err != nil {
		return invalidRequest(err.Error())
	}
	if client.Disabled {
		return &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeDisabledClient,
			Description: "client is disabled",
		}
	}
	if !client.IsAllowedRedirectURI(redirectURI) {
		return invalidRequest("invalid redirect_uri")
	}

	scopes := splitScope(scope)
	if !client.IsAllowedScopes(scopes) {
		return redirectWithError(c, redirectURI, state, Error{
			Code:        ErrorCodeInvalidScope,
			Description: fmt.Sprintf("scope not allowed: %s", scope),
		})
	}

	if s.authenticateUser == nil {
		return serverError(fmt.Errorf("no user authentication configured"))
	}
	session, err := s.authenticateUser(c)
	if err != nil {
		return redirectWithError(c, redirectURI, state, Error{
			Code:        ErrorCodeAccessDenied,
			Description: "end-user authentication failed",
		})
	}
	session.AttachClient(client.ClientID)
	if err := s.sessionStore.SaveSession(c.Request().Context(), session); err != nil {
		return serverError(fmt.Errorf("unable to save session: %w", err))
	}

	g := grant.New(grant.TypeAuthorizationCode, client.ClientID)
	g.UserID = session.UserID
	g.Scopes = scopes
	g.ACR = session.ACR
	g.AMR = session.AMR
	g.AuthenticationTime = session.AuthenticationTime
	g.Nonce = oidcNonce
	g.State = state
	g.RedirectURI = redirectURI
	g.SessionID = session.ID
	g.CodeChallenge = codeChallenge
	g.CodeChallengeMethod = codeChallengeMethod
	if s.userDirectory != nil {
		if user, err := s.userDirectory.FindUserByID(c.Request().Context(), session.UserID); err == nil {
			g.Claims = user.Claims
		}
	}

	code, err := s.grants.CreateAuthorizationCodeGrant(c.Request().Context(), g)
	if err != nil {
		return serverError(fmt.Errorf("unable to store grant: %w", err))
	}

	params := url.Values{}
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	return c.Redirect(http.StatusFound, redirectURI+"?"+params.Encode())
}

// verifyClient authenticates the calling client from the form parameters
// or basic auth. The same generic invalid_grant hides unknown and
// unauthenticated clients.
func (s *Server) verifyClient(c echo.Context) (*ClientMetadata, *Error) {
	formClientID := c.FormValue("client_id")

	if formClientID == "" {
		return s.verifyClientCredentialsBasic(c)
	}

	client, err := s.clientsRegistry.GetClientMetadata(formClientID)
	if err != nil {
		return nil, &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeInvalidGrant,
			Description: "unknown client",
		}
	}
	if client.Disabled {
		return nil, &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeDisabledClient,
			Description: "client is disabled",
		}
	}

	if client.Type == ClientTypeConfidential {
		formClientSecret := c.FormValue("client_secret")
		if formClientSecret == "" {
			return nil, &Error{
				HttpStatus:  http.StatusBadRequest,
				Code:        ErrorCodeInvalidClient,
				Description: "missing client_secret",
			}
		}
		return verifyClientSecret(formClientSecret, client)
	}
	return client, nil
}

func (s *Server) verifyClientCredentialsBasic(c echo.Context) (*ClientMetadata, *Error) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if !ok {
		return nil, &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeInvalidGrant,
			Description: "missing client authentication",
		}
	}

	client, err := s.clientsRegistry.GetClientMetadata(clientID)
	if err != nil {
		return nil, &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeInvalidGrant,
			Description: "unknown client",
		}
	}
	if client.Disabled {
		return nil, &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeDisabledClient,
			Description: "client is disabled",
		}
	}

	return verifyClientSecret(clientSecret, client)
}

func verifyClientSecret(clientSecret string, client *ClientMetadata) (*ClientMetadata, *Error) {
	if client.ClientSecretHash == "" && client.Type == ClientTypePublic {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeUnauthorizedClient,
			Description: "public client must not use client_secret",
		}
	}

	if ok, err := VerifySecretHash(clientSecret, client.ClientSecretHash); !ok {
		if err != nil {
			slog.Error("VerifySecretHash failed", "error", err)
		}
		return nil, &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeUnauthorizedClient,
			Description: "invalid client_secret",
		}
	}

	return client, nil
}

func redirectWithError(c echo.Context, redirectURI string, state string, err Error) error {
	params := url.Values{}
	if state != "" {
		params.Add("state", state)
	}
	params.Add("error", err.Code)
	params.Add("error_description", err.Description)

	return c.Redirect(http.StatusFound, redirectURI+"?"+params.Encode())
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

func buildURI(base string, paths ...string) string {
	result := strings.TrimRight(base, "/")
	for _, p := range paths {
		if p == "" {
			continue
		}
		result = fmt.Sprintf("%s/%s", result, strings.Trim(p, "/"))
	}
	return result
}

func newSessionID() string {
	return ksuid.New().String()
}
