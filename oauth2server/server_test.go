package oauth2server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/JanssenProject/jans-sub052/ciba"
	"github.com/JanssenProject/jans-sub052/dpop"
	"github.com/JanssenProject/jans-sub052/token"
	"github.com/JanssenProject/jans-sub052/uma"
)

const (
	testIssuer       = "https://as.example.test"
	testClientSecret = "s3cret"
	testRedirectURI  = "https://rp.example.test/cb"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	secretHash, err := HashSecret(testClientSecret)
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}

	devices := ciba.NewMemoryDeviceRegistry()
	devices.RegisterDevice(context.Background(), "user-1", "device-token-1")

	cfg := Config{
		Issuer:                          testIssuer,
		ScopesSupported:                 []string{"openid", "profile", "email", ScopeUmaProtection},
		FilterClaimsOnTokenSubstitution: true,
		CibaPollIntervalSeconds:         1,
		Clients: []ClientMetadata{
			{
				Type:             ClientTypeConfidential,
				ClientID:         "web-client",
				ClientSecretHash: secretHash,
				RedirectURIs:     []string{testRedirectURI},
				Scopes:           []string{"openid", "profile", "email", ScopeUmaProtection},
				GrantTypes: []string{
					GrantTypeAuthorizationCode, GrantTypeRefreshToken,
					GrantTypeClientCredentials, GrantTypePassword,
					GrantTypeCiba, GrantTypeUmaTicket,
				},
			},
			{
				Type:         ClientTypePublic,
				ClientID:     "native-app",
				RedirectURIs: []string{testRedirectURI},
				Scopes:       []string{"openid", "profile"},
				GrantTypes:   []string{GrantTypeAuthorizationCode},
			},
			{
				Type:              ClientTypeConfidential,
				ClientID:          "legacy-rp",
				ClientSecretHash:  secretHash,
				Scopes:            []string{"openid", "email"},
				GrantTypes:        []string{GrantTypePassword},
				AccessTokenFormat: "reference",
			},
			{
				Type:             ClientTypeConfidential,
				ClientID:         "retired-client",
				ClientSecretHash: secretHash,
				Disabled:         true,
				GrantTypes:       []string{GrantTypeClientCredentials},
			},
		},
		UserDirectory: &StaticUserDirectory{Users: []StaticUser{
			{
				User: User{
					ID:       "user-1",
					Username: "alice",
					Claims: map[string]any{
						"name":  "Alice Example",
						"email": "alice@example.test",
					},
				},
				Password: "wonderland",
				Hints:    []string{"alice@example.test"},
			},
			{
				User:     User{ID: "user-2", Username: "bob"},
				Password: "builder",
			},
		}},
		CibaDeviceRegistry: devices,
		AuthenticateUserFunc: func(c echo.Context) (*Session, error) {
			return &Session{
				ID:                 newSessionID(),
				UserID:             "user-1",
				Username:           "alice",
				ACR:                "urn:acr:basic",
				AuthenticationTime: time.Now(),
			}, nil
		},
	}

	server, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

func newFormContext(method, target string, form url.Values) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

// requestTokens calls the token endpoint and splits the outcome into the
// success body or the protocol error.
func requestTokens(t *testing.T, s *Server, form url.Values) (*TokenResponse, *Error) {
	t.Helper()
	c, rec := newFormContext(http.MethodPost, "/token", form)
	err := s.TokenEndpoint(c)
	if err != nil {
		protocolError, ok := err.(*Error)
		if !ok {
			t.Fatalf("TokenEndpoint returned a non-protocol error: %v", err)
		}
		return nil, protocolError
	}
	response := new(TokenResponse)
	if err := json.Unmarshal(rec.Body.Bytes(), response); err != nil {
		t.Fatalf("unmarshaling token response: %v", err)
	}
	return response, nil
}

// authorize drives the authorization endpoint and returns the redirect
// parameters.
func authorize(t *testing.T, s *Server, query url.Values) url.Values {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := s.AuthorizationEndpoint(c); err != nil {
		t.Fatalf("AuthorizationEndpoint failed: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect location: %v", err)
	}
	return location.Query()
}

func authorizeQuery(clientID, scope string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {scope},
		"state":         {"state-123"},
		"nonce":         {"nonce-456"},
	}
}

func confidentialTokenForm(grantType string) url.Values {
	return url.Values{
		"grant_type":    {grantType},
		"client_id":     {"web-client"},
		"client_secret": {testClientSecret},
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid profile"))
	code := params.Get("code")
	if code == "" {
		t.Fatal("expected a code in the redirect")
	}
	if params.Get("state") != "state-123" {
		t.Errorf("state not echoed back, got %q", params.Get("state"))
	}

	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}
	if response.AccessToken == "" || response.IDToken == "" || response.RefreshToken == "" {
		t.Fatal("expected access, ID and refresh tokens")
	}
	if response.Scope != "openid profile" {
		t.Errorf("unexpected scope %q", response.Scope)
	}

	accessToken, err := server.codec.Parse(response.AccessToken)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if accessToken.Subject() != "user-1" {
		t.Errorf("expected subject user-1, got %q", accessToken.Subject())
	}

	idToken, err := server.codec.Parse(response.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if nonce, _ := idToken.Get("nonce"); nonce != "nonce-456" {
		t.Errorf("expected nonce to round-trip, got %v", nonce)
	}
	for _, claim := range []string{"at_hash", "c_hash", "s_hash", "rt_hash", "sid"} {
		if _, ok := idToken.Get(claim); !ok {
			t.Errorf("ID token is missing the %s claim", claim)
		}
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)

	if _, protocolError := requestTokens(t, server, form); protocolError != nil {
		t.Fatalf("first exchange failed: %v", protocolError)
	}
	_, protocolError := requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant on code replay, got %v", protocolError)
	}
}

func TestAuthorizationCodePKCE(t *testing.T) {
	server := newTestServer(t)

	verifier := oauth2.GenerateVerifier()
	query := authorizeQuery("native-app", "openid")
	query.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	query.Set("code_challenge_method", "S256")

	params := authorize(t, server, query)
	form := url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {"native-app"},
		"code":          {params.Get("code")},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {"not-the-right-verifier-but-long-enough"},
	}
	_, protocolError := requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant for a wrong verifier, got %v", protocolError)
	}

	// a failed exchange burns the code, run the flow again
	params = authorize(t, server, query)
	form.Set("code", params.Get("code"))
	form.Set("code_verifier", verifier)
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("exchange with the right verifier failed: %v", protocolError)
	}
	if response.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if response.RefreshToken != "" {
		t.Error("client without refresh_token grant must not get one")
	}
}

func TestTokenEndpointClientAuthentication(t *testing.T) {
	server := newTestServer(t)

	form := url.Values{
		"grant_type": {GrantTypeClientCredentials},
		"client_id":  {"nobody"},
		"scope":      {"profile"},
	}
	_, protocolError := requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant || protocolError.HttpStatus != http.StatusUnauthorized {
		t.Fatalf("expected 401 invalid_grant for an unknown client, got %v", protocolError)
	}

	form = confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("client_secret", "wrong")
	form.Set("scope", "profile")
	_, protocolError = requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("expected unauthorized_client for a wrong secret, got %v", protocolError)
	}

	form = url.Values{
		"grant_type":    {GrantTypeClientCredentials},
		"client_id":     {"retired-client"},
		"client_secret": {testClientSecret},
		"scope":         {"profile"},
	}
	_, protocolError = requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeDisabledClient || protocolError.HttpStatus != http.StatusForbidden {
		t.Fatalf("expected 403 disabled_client, got %v", protocolError)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm(GrantTypeClientCredentials)
	_, protocolError := requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid_request without scope, got %v", protocolError)
	}

	form.Set("scope", "does-not-exist")
	_, protocolError = requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidScope || protocolError.HttpStatus != http.StatusForbidden {
		t.Fatalf("expected 403 invalid_scope, got %v", protocolError)
	}

	form.Set("scope", ScopeUmaProtection)
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("client_credentials failed: %v", protocolError)
	}
	accessToken, err := server.codec.Parse(response.AccessToken)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if accessToken.Subject() != "web-client" {
		t.Errorf("expected the client as subject, got %q", accessToken.Subject())
	}
}

func TestPasswordGrant(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm(GrantTypePassword)
	form.Set("username", "alice")
	form.Set("password", "wrong")
	_, protocolError := requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant for bad credentials, got %v", protocolError)
	}

	form.Set("password", "wonderland")
	form.Set("scope", "openid email")
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("password grant failed: %v", protocolError)
	}
	idToken, err := server.codec.Parse(response.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	// no code and no opaque companion, user claims stay in the ID token
	if email, _ := idToken.Get("email"); email != "alice@example.test" {
		t.Errorf("expected the email claim, got %v", email)
	}
}

func TestIDTokenClaimFilteringWithCodeCompanion(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid email"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}

	idToken, err := server.codec.Parse(response.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if _, ok := idToken.Get("email"); ok {
		t.Error("expected the email claim to be filtered when a code was issued")
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid profile"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)
	first, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}

	refreshForm := confidentialTokenForm(GrantTypeRefreshToken)
	refreshForm.Set("refresh_token", first.RefreshToken)
	refreshForm.Set("scope", "openid")
	second, protocolError := requestTokens(t, server, refreshForm)
	if protocolError != nil {
		t.Fatalf("refresh failed: %v", protocolError)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	if second.Scope != "openid" {
		t.Errorf("expected the narrowed scope, got %q", second.Scope)
	}

	// the consumed value must not work a second time
	_, protocolError = requestTokens(t, server, refreshForm)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant on refresh replay, got %v", protocolError)
	}

	rotatedForm := confidentialTokenForm(GrantTypeRefreshToken)
	rotatedForm.Set("refresh_token", second.RefreshToken)
	if _, protocolError = requestTokens(t, server, rotatedForm); protocolError != nil {
		t.Fatalf("rotated refresh token failed: %v", protocolError)
	}
}

func backchannelAuthorize(t *testing.T, s *Server, form url.Values) (*BackchannelAuthenticationResponse, *Error) {
	t.Helper()
	c, rec := newFormContext(http.MethodPost, "/bc-authorize", form)
	err := s.BackchannelAuthorizeEndpoint(c)
	if err != nil {
		protocolError, ok := err.(*Error)
		if !ok {
			t.Fatalf("BackchannelAuthorizeEndpoint returned a non-protocol error: %v", err)
		}
		return nil, protocolError
	}
	response := new(BackchannelAuthenticationResponse)
	if err := json.Unmarshal(rec.Body.Bytes(), response); err != nil {
		t.Fatalf("unmarshaling bc-authorize response: %v", err)
	}
	return response, nil
}

func TestBackchannelFlow(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm("")
	form.Del("grant_type")
	form.Set("scope", "openid")
	form.Set("login_hint", "alice@example.test")
	form.Set("binding_message", "transfer 10 EUR")
	opened, protocolError := backchannelAuthorize(t, server, form)
	if protocolError != nil {
		t.Fatalf("bc-authorize failed: %v", protocolError)
	}
	if opened.AuthReqID == "" || opened.ExpiresIn <= 0 || opened.Interval <= 0 {
		t.Fatalf("unexpected bc-authorize response: %+v", opened)
	}

	pollForm := confidentialTokenForm(GrantTypeCiba)
	pollForm.Set("auth_req_id", opened.AuthReqID)
	_, protocolError = requestTokens(t, server, pollForm)
	if protocolError == nil || protocolError.Code != ErrorCodeAuthorizationPending {
		t.Fatalf("expected authorization_pending, got %v", protocolError)
	}

	if _, err := server.GrantBackchannelRequest(context.Background(), opened.AuthReqID); err != nil {
		t.Fatalf("granting the request failed: %v", err)
	}

	// polling again inside the interval is throttled
	_, protocolError = requestTokens(t, server, pollForm)
	if protocolError == nil || protocolError.Code != ErrorCodeSlowDown {
		t.Fatalf("expected slow_down, got %v", protocolError)
	}

	time.Sleep(1100 * time.Millisecond)
	response, protocolError := requestTokens(t, server, pollForm)
	if protocolError != nil {
		t.Fatalf("token delivery failed: %v", protocolError)
	}
	idToken, err := server.codec.Parse(response.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if authReqID, _ := idToken.Get("urn:openid:params:jwt:claim:auth_req_id"); authReqID != opened.AuthReqID {
		t.Errorf("expected the auth_req_id claim, got %v", authReqID)
	}

	time.Sleep(1100 * time.Millisecond)
	_, protocolError = requestTokens(t, server, pollForm)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant after delivery, got %v", protocolError)
	}
}

func TestBackchannelDenied(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm("")
	form.Del("grant_type")
	form.Set("scope", "openid")
	form.Set("login_hint", "alice")
	opened, protocolError := backchannelAuthorize(t, server, form)
	if protocolError != nil {
		t.Fatalf("bc-authorize failed: %v", protocolError)
	}
	if _, err := server.DenyBackchannelRequest(context.Background(), opened.AuthReqID); err != nil {
		t.Fatalf("denying the request failed: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	pollForm := confidentialTokenForm(GrantTypeCiba)
	pollForm.Set("auth_req_id", opened.AuthReqID)
	_, protocolError = requestTokens(t, server, pollForm)
	if protocolError == nil || protocolError.Code != ErrorCodeAccessDenied {
		t.Fatalf("expected access_denied, got %v", protocolError)
	}
}

func TestBackchannelUnknownAuthReqID(t *testing.T) {
	server := newTestServer(t)

	pollForm := confidentialTokenForm(GrantTypeCiba)
	pollForm.Set("auth_req_id", "never-issued")
	_, protocolError := requestTokens(t, server, pollForm)
	if protocolError == nil || protocolError.Code != ErrorCodeExpiredToken {
		t.Fatalf("expected expired_token for an unknown auth_req_id, got %v", protocolError)
	}
}

func TestBackchannelHintValidation(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm("")
	form.Del("grant_type")
	form.Set("scope", "openid")
	_, protocolError := backchannelAuthorize(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeUnknownUserID {
		t.Fatalf("expected unknown_user_id without a hint, got %v", protocolError)
	}

	form.Set("login_hint", "alice")
	form.Set("id_token_hint", "also-set")
	_, protocolError = backchannelAuthorize(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeUnknownUserID {
		t.Fatalf("expected unknown_user_id for two hints, got %v", protocolError)
	}

	form.Del("id_token_hint")
	form.Set("login_hint", "nobody@example.test")
	_, protocolError = backchannelAuthorize(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeUnknownUserID {
		t.Fatalf("expected unknown_user_id for an unresolvable hint, got %v", protocolError)
	}
}

func TestBackchannelDeviceRegistration(t *testing.T) {
	server := newTestServer(t)

	// bob has no device yet
	form := confidentialTokenForm("")
	form.Del("grant_type")
	form.Set("scope", "openid")
	form.Set("login_hint", "bob")
	_, protocolError := backchannelAuthorize(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeUnauthorizedDevice {
		t.Fatalf("expected unauthorized_end_user_device, got %v", protocolError)
	}

	idTokenHint, err := server.codec.MintIDToken(token.IDTokenInput{
		ClientID: "web-client",
		Subject:  "user-2",
	})
	if err != nil {
		t.Fatalf("minting the hint token failed: %v", err)
	}
	registrationForm := url.Values{
		"id_token_hint":             {idTokenHint},
		"device_registration_token": {"bob-device-token"},
	}
	c, rec := newFormContext(http.MethodPost, "/bc-deviceRegistration", registrationForm)
	if err := server.BackchannelDeviceRegistrationEndpoint(c); err != nil {
		t.Fatalf("device registration failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if _, protocolError = backchannelAuthorize(t, server, form); protocolError != nil {
		t.Fatalf("bc-authorize after device registration failed: %v", protocolError)
	}
}

// obtainPAT runs client_credentials for the protection API scope.
func obtainPAT(t *testing.T, s *Server) string {
	t.Helper()
	form := confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("scope", ScopeUmaProtection)
	response, protocolError := requestTokens(t, s, form)
	if protocolError != nil {
		t.Fatalf("obtaining a PAT failed: %v", protocolError)
	}
	return response.AccessToken
}

func newProtectionContext(method, target, pat string, body any) (echo.Context, *httptest.ResponseRecorder) {
	var reader *strings.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+pat)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func registerTestResource(t *testing.T, s *Server, pat string) string {
	t.Helper()
	c, rec := newProtectionContext(http.MethodPost, "/host/rsrc/resource_set", pat, uma.ResourceInput{
		Name:   "patient record",
		Scopes: []string{"read", "write"},
	})
	if err := s.ResourceRegistrationEndpoint(c); err != nil {
		t.Fatalf("resource registration failed: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created resourceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshaling resource response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a resource id")
	}
	return created.ID
}

func TestUmaProtectionAPIRequiresPAT(t *testing.T) {
	server := newTestServer(t)

	c, _ := newProtectionContext(http.MethodPost, "/host/rsrc/resource_set", "garbage", uma.ResourceInput{
		Name:   "r",
		Scopes: []string{"read"},
	})
	err := server.ResourceRegistrationEndpoint(c)
	protocolError, ok := err.(*Error)
	if !ok || protocolError.HttpStatus != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bogus PAT, got %v", err)
	}

	// a valid token without uma_protection is rejected with 403
	form := confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("scope", "profile")
	response, tokenError := requestTokens(t, server, form)
	if tokenError != nil {
		t.Fatalf("client_credentials failed: %v", tokenError)
	}
	c, _ = newProtectionContext(http.MethodPost, "/host/rsrc/resource_set", response.AccessToken, uma.ResourceInput{
		Name:   "r",
		Scopes: []string{"read"},
	})
	err = server.ResourceRegistrationEndpoint(c)
	protocolError, ok = err.(*Error)
	if !ok || protocolError.HttpStatus != http.StatusForbidden || protocolError.Code != ErrorCodeInvalidScope {
		t.Fatalf("expected 403 invalid_scope without uma_protection, got %v", err)
	}
}

func TestUmaTicketExchange(t *testing.T) {
	server := newTestServer(t)
	pat := obtainPAT(t, server)
	resourceID := registerTestResource(t, server, pat)

	c, rec := newProtectionContext(http.MethodPost, "/host/rsrc_pr", pat, []uma.PermissionRequest{
		{ResourceID: resourceID, Scopes: []string{"read"}},
	})
	if err := server.PermissionEndpoint(c); err != nil {
		t.Fatalf("permission request failed: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var minted permissionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &minted); err != nil {
		t.Fatalf("unmarshaling permission response: %v", err)
	}

	form := confidentialTokenForm(GrantTypeUmaTicket)
	form.Set("ticket", minted.Ticket)
	response, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("ticket exchange failed: %v", protocolError)
	}
	if response.AccessToken == "" {
		t.Fatal("expected an RPT")
	}

	// tickets are single use
	_, protocolError = requestTokens(t, server, form)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidTicket {
		t.Fatalf("expected invalid_ticket on ticket replay, got %v", protocolError)
	}

	statusForm := url.Values{"token": {response.AccessToken}}
	statusContext, statusRecorder := newFormContext(http.MethodPost, "/rpt/status", statusForm)
	statusContext.Request().Header.Set("Authorization", "Bearer "+pat)
	if err := server.RPTStatusEndpoint(statusContext); err != nil {
		t.Fatalf("RPT introspection failed: %v", err)
	}
	var status uma.Introspection
	if err := json.Unmarshal(statusRecorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshaling introspection: %v", err)
	}
	if !status.Active {
		t.Fatal("expected the RPT to be active")
	}
	if len(status.Permissions) != 1 || status.Permissions[0].ResourceID != resourceID {
		t.Fatalf("unexpected permissions: %+v", status.Permissions)
	}
}

func TestIntrospectionEndpoint(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm(GrantTypePassword)
	form.Set("username", "alice")
	form.Set("password", "wonderland")
	form.Set("scope", "openid profile")
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("password grant failed: %v", protocolError)
	}

	introspect := func(tokenValue, hint string) *IntrospectionResponse {
		t.Helper()
		introspectionForm := confidentialTokenForm("")
		introspectionForm.Del("grant_type")
		introspectionForm.Set("token", tokenValue)
		if hint != "" {
			introspectionForm.Set("token_type_hint", hint)
		}
		c, rec := newFormContext(http.MethodPost, "/introspect", introspectionForm)
		if err := server.IntrospectionEndpoint(c); err != nil {
			t.Fatalf("introspection failed: %v", err)
		}
		response := new(IntrospectionResponse)
		if err := json.Unmarshal(rec.Body.Bytes(), response); err != nil {
			t.Fatalf("unmarshaling introspection response: %v", err)
		}
		return response
	}

	active := introspect(issued.AccessToken, "")
	if !active.Active || active.Sub != "user-1" || active.ClientID != "web-client" {
		t.Fatalf("unexpected introspection result: %+v", active)
	}

	refresh := introspect(issued.RefreshToken, "refresh_token")
	if !refresh.Active || refresh.TokenType != "refresh_token" {
		t.Fatalf("unexpected refresh introspection result: %+v", refresh)
	}

	if introspect("garbage", "").Active {
		t.Error("expected an unknown token to be inactive")
	}
}

func TestReferenceAccessTokens(t *testing.T) {
	server := newTestServer(t)

	form := url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"legacy-rp"},
		"client_secret": {testClientSecret},
		"username":      {"alice"},
		"password":      {"wonderland"},
		"scope":         {"openid email"},
	}
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("password grant failed: %v", protocolError)
	}
	if _, err := server.codec.Parse(issued.AccessToken); err == nil {
		t.Fatal("expected an opaque access token, got a JWT")
	}

	// the opaque companion triggers ID token claim filtering
	idToken, err := server.codec.Parse(issued.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if _, ok := idToken.Get("email"); ok {
		t.Error("expected the email claim to be filtered")
	}

	// reference tokens resolve through the grant index
	g, err := server.grants.GetByAccessToken(context.Background(), issued.AccessToken)
	if err != nil {
		t.Fatalf("resolving the reference token failed: %v", err)
	}
	if g.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", g.UserID)
	}
}

func TestRevocationEndpoint(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}

	revocationForm := confidentialTokenForm("")
	revocationForm.Del("grant_type")
	revocationForm.Set("token", issued.RefreshToken)
	revocationForm.Set("token_type_hint", "refresh_token")
	c, rec := newFormContext(http.MethodPost, "/revoke", revocationForm)
	if err := server.RevocationEndpoint(c); err != nil {
		t.Fatalf("revocation failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	refreshForm := confidentialTokenForm(GrantTypeRefreshToken)
	refreshForm.Set("refresh_token", issued.RefreshToken)
	_, protocolError = requestTokens(t, server, refreshForm)
	if protocolError == nil || protocolError.Code != ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant for a revoked refresh token, got %v", protocolError)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}

	idToken, err := server.codec.Parse(issued.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	sid, _ := idToken.Get("sid")
	sessionID, _ := sid.(string)
	if sessionID == "" {
		t.Fatal("expected a sid claim in the ID token")
	}
	if _, err := server.sessionStore.FindSessionByID(context.Background(), sessionID); err != nil {
		t.Fatalf("session should exist before logout: %v", err)
	}

	query := url.Values{
		"id_token_hint":            {issued.IDToken},
		"post_logout_redirect_uri": {testRedirectURI},
		"state":                    {"logout-state"},
	}
	req := httptest.NewRequest(http.MethodGet, "/end_session?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := server.EndSessionEndpoint(c); err != nil {
		t.Fatalf("end_session failed: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, testRedirectURI) || !strings.Contains(location, "state=logout-state") {
		t.Fatalf("unexpected redirect %q", location)
	}

	if _, err := server.sessionStore.FindSessionByID(context.Background(), sessionID); err == nil {
		t.Error("expected the session to be deleted")
	}
}

func TestEndSessionRejectsUnregisteredRedirect(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid"))
	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", params.Get("code"))
	form.Set("redirect_uri", testRedirectURI)
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("token exchange failed: %v", protocolError)
	}

	query := url.Values{
		"id_token_hint":            {issued.IDToken},
		"post_logout_redirect_uri": {"https://attacker.example.test/"},
	}
	req := httptest.NewRequest(http.MethodGet, "/end_session?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	err := server.EndSessionEndpoint(c)
	protocolErr, ok := err.(*Error)
	if !ok || protocolErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid_request for an unregistered redirect, got %v", err)
	}
}

func TestServerMetadata(t *testing.T) {
	server := newTestServer(t)

	metadata := server.Metadata
	if metadata.Issuer != testIssuer {
		t.Errorf("unexpected issuer %q", metadata.Issuer)
	}
	if metadata.TokenEndpoint != testIssuer+"/token" {
		t.Errorf("unexpected token endpoint %q", metadata.TokenEndpoint)
	}
	if metadata.ResourceRegistrationEndpoint == "" || metadata.PermissionEndpoint == "" {
		t.Error("expected the UMA endpoints to be advertised")
	}
	if metadata.BackchannelAuthenticationEndpoint == "" {
		t.Error("expected the backchannel authentication endpoint to be advertised")
	}
	found := false
	for _, grantType := range metadata.GrantTypesSupported {
		if grantType == GrantTypeCiba {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in grant_types_supported, got %v", GrantTypeCiba, metadata.GrantTypesSupported)
	}
}

func TestDPoPBoundAccessToken(t *testing.T) {
	server := newTestServer(t)

	proofKey, err := dpop.NewPrivateKey()
	if err != nil {
		t.Fatalf("unable to create proof key: %v", err)
	}
	proof := dpop.Proof{HTTPMethod: http.MethodPost, HTTPURI: testIssuer + "/token"}
	signedProof, err := proof.Sign(proofKey)
	if err != nil {
		t.Fatalf("unable to sign proof: %v", err)
	}

	form := confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("scope", "profile")
	c, rec := newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set(dpop.HeaderName, signedProof)
	if err := server.TokenEndpoint(c); err != nil {
		t.Fatalf("token request failed: %v", err)
	}

	if cacheControl := rec.Header().Get("Cache-Control"); cacheControl != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", cacheControl)
	}
	if pragma := rec.Header().Get("Pragma"); pragma != "no-cache" {
		t.Errorf("expected Pragma no-cache, got %q", pragma)
	}

	var response TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unable to decode token response: %v", err)
	}
	if response.TokenType != "DPoP" {
		t.Errorf("expected token_type DPoP, got %q", response.TokenType)
	}

	accessToken, err := server.codec.Parse(response.AccessToken)
	if err != nil {
		t.Fatalf("unable to parse access token: %v", err)
	}
	rawCnf, ok := accessToken.Get("cnf")
	if !ok {
		t.Fatal("expected a cnf claim on the access token")
	}
	cnf, _ := rawCnf.(map[string]any)
	if cnf["jkt"] != proofKey.Thumbprint {
		t.Errorf("expected cnf.jkt %q, got %v", proofKey.Thumbprint, cnf["jkt"])
	}
}

func TestDPoPProofValidation(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("scope", "profile")

	c, _ := newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set(dpop.HeaderName, "garbage")
	err := server.TokenEndpoint(c)
	if protocolError, ok := err.(*Error); !ok || protocolError.Code != ErrorCodeInvalidDpopProof {
		t.Fatalf("expected invalid_dpop_proof for a malformed proof, got %v", err)
	}

	proofKey, _ := dpop.NewPrivateKey()
	proof := dpop.Proof{HTTPMethod: http.MethodGet, HTTPURI: testIssuer + "/token"}
	signedProof, signErr := proof.Sign(proofKey)
	if signErr != nil {
		t.Fatalf("unable to sign proof: %v", signErr)
	}
	c, _ = newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set(dpop.HeaderName, signedProof)
	err = server.TokenEndpoint(c)
	if protocolError, ok := err.(*Error); !ok || protocolError.Code != ErrorCodeInvalidDpopProof {
		t.Fatalf("expected invalid_dpop_proof for an htm mismatch, got %v", err)
	}

	proof = dpop.Proof{HTTPMethod: http.MethodPost, HTTPURI: testIssuer + "/authorize"}
	signedProof, signErr = proof.Sign(proofKey)
	if signErr != nil {
		t.Fatalf("unable to sign proof: %v", signErr)
	}
	c, _ = newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set(dpop.HeaderName, signedProof)
	err = server.TokenEndpoint(c)
	if protocolError, ok := err.(*Error); !ok || protocolError.Code != ErrorCodeInvalidDpopProof {
		t.Fatalf("expected invalid_dpop_proof for an htu mismatch, got %v", err)
	}
}

func TestCertificateBoundAccessToken(t *testing.T) {
	server := newTestServer(t)

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("unable to generate certificate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "web-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &certKey.PublicKey, certKey)
	if err != nil {
		t.Fatalf("unable to create certificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	form := confidentialTokenForm(GrantTypeClientCredentials)
	form.Set("scope", "profile")
	c, rec := newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set("X-ClientCert", url.QueryEscape(string(pemBytes)))
	if err := server.TokenEndpoint(c); err != nil {
		t.Fatalf("token request failed: %v", err)
	}

	var response TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unable to decode token response: %v", err)
	}
	if response.TokenType != "Bearer" {
		t.Errorf("expected token_type Bearer, got %q", response.TokenType)
	}

	accessToken, err := server.codec.Parse(response.AccessToken)
	if err != nil {
		t.Fatalf("unable to parse access token: %v", err)
	}
	rawCnf, ok := accessToken.Get("cnf")
	if !ok {
		t.Fatal("expected a cnf claim on the access token")
	}
	digest := sha256.Sum256(der)
	want := base64.RawURLEncoding.EncodeToString(digest[:])
	cnf, _ := rawCnf.(map[string]any)
	if cnf["x5t#S256"] != want {
		t.Errorf("expected cnf.x5t#S256 %q, got %v", want, cnf["x5t#S256"])
	}

	c, _ = newFormContext(http.MethodPost, "/token", form)
	c.Request().Header.Set("X-ClientCert", "not-a-certificate")
	err = server.TokenEndpoint(c)
	if protocolError, ok := err.(*Error); !ok || protocolError.Code != ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid_request for a bogus certificate, got %v", err)
	}
}

func TestBackchannelDeliveryRace(t *testing.T) {
	server := newTestServer(t)

	form := confidentialTokenForm("")
	form.Del("grant_type")
	form.Set("scope", "openid")
	form.Set("login_hint", "alice@example.test")
	opened, protocolError := backchannelAuthorize(t, server, form)
	if protocolError != nil {
		t.Fatalf("bc-authorize failed: %v", protocolError)
	}
	if _, err := server.GrantBackchannelRequest(context.Background(), opened.AuthReqID); err != nil {
		t.Fatalf("granting the request failed: %v", err)
	}

	tokenForm := confidentialTokenForm(GrantTypeCiba)
	tokenForm.Set("auth_req_id", opened.AuthReqID)

	const workers = 8
	var deliveries int32
	var mutex sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, rec := newFormContext(http.MethodPost, "/token", tokenForm)
			if err := server.TokenEndpoint(c); err != nil {
				return
			}
			var response TokenResponse
			if json.Unmarshal(rec.Body.Bytes(), &response) == nil && response.AccessToken != "" {
				mutex.Lock()
				deliveries++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()
	if deliveries != 1 {
		t.Errorf("token deliveries = %d, want exactly 1", deliveries)
	}
}

func TestAuthorizationCodeExchangeRace(t *testing.T) {
	server := newTestServer(t)

	params := authorize(t, server, authorizeQuery("web-client", "openid"))
	code := params.Get("code")
	if code == "" {
		t.Fatal("expected a code in the redirect")
	}

	form := confidentialTokenForm(GrantTypeAuthorizationCode)
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)

	const workers = 8
	var exchanges int32
	var mutex sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, rec := newFormContext(http.MethodPost, "/token", form)
			if err := server.TokenEndpoint(c); err != nil {
				return
			}
			var response TokenResponse
			if json.Unmarshal(rec.Body.Bytes(), &response) == nil && response.AccessToken != "" {
				mutex.Lock()
				exchanges++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()
	if exchanges != 1 {
		t.Errorf("code exchanges = %d, want exactly 1", exchanges)
	}
}

func TestIntrospectionScopedToIssuingClient(t *testing.T) {
	server := newTestServer(t)

	form := url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"legacy-rp"},
		"client_secret": {testClientSecret},
		"username":      {"alice"},
		"password":      {"wonderland"},
		"scope":         {"openid"},
	}
	issued, protocolError := requestTokens(t, server, form)
	if protocolError != nil {
		t.Fatalf("password grant failed: %v", protocolError)
	}

	introspect := func(clientID string) *IntrospectionResponse {
		t.Helper()
		introspectionForm := url.Values{
			"client_id":     {clientID},
			"client_secret": {testClientSecret},
			"token":         {issued.AccessToken},
		}
		c, rec := newFormContext(http.MethodPost, "/introspect", introspectionForm)
		if err := server.IntrospectionEndpoint(c); err != nil {
			t.Fatalf("introspection failed: %v", err)
		}
		response := new(IntrospectionResponse)
		if err := json.Unmarshal(rec.Body.Bytes(), response); err != nil {
			t.Fatalf("unmarshaling introspection response: %v", err)
		}
		return response
	}

	if response := introspect("legacy-rp"); !response.Active {
		t.Error("expected the issuing client to see its token as active")
	}
	if response := introspect("web-client"); response.Active {
		t.Error("expected another client's reference token to read inactive")
	}
}
