package oauth2server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/JanssenProject/jans-sub052/ciba"
	"github.com/JanssenProject/jans-sub052/grant"
	"github.com/JanssenProject/jans-sub052/token"
	"github.com/JanssenProject/jans-sub052/uma"
)

type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	IDToken          string `json:"id_token,omitempty"`

	// UMA ticket exchange extras
	PCT      string `json:"pct,omitempty"`
	Upgraded bool   `json:"upgraded,omitempty"`
}

// TokenEndpoint dispatches the token request by grant type.
func (s *Server) TokenEndpoint(c echo.Context) error {
	r := c.Request()
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return invalidRequest("invalid content type")
	}
	if err := r.ParseForm(); err != nil {
		return invalidRequest(fmt.Errorf("unable to parse form: %w", err).Error())
	}

	// token responses must never be cached
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")

	bindings, bindingError := s.verifyTokenBindings(c)
	if bindingError != nil {
		return bindingError
	}
	c.Set(tokenBindingsContextKey, bindings)

	if !r.Form.Has("grant_type") {
		return invalidRequest("missing grant_type")
	}
	grantType := r.FormValue("grant_type")
	if !s.supportedGrantTypes[grantType] {
		switch grantType {
		case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypePassword,
			GrantTypeRefreshToken, GrantTypeCiba, GrantTypeUmaTicket:
			// known grant type, disabled on this deployment
			return invalidGrant(fmt.Sprintf("grant type not enabled: %s", grantType))
		}
		slog.Error("unsupported grant type", "grant_type", grantType)
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeUnsupportedGrantType,
			Description: fmt.Sprintf("unsupported grant type: %s", grantType),
		}
	}

	switch grantType {
	case GrantTypeAuthorizationCode:
		return s.tokenEndpointAuthorizationCode(c)
	case GrantTypeClientCredentials:
		return s.tokenEndpointClientCredentials(c)
	case GrantTypePassword:
		return s.tokenEndpointPassword(c)
	case GrantTypeRefreshToken:
		return s.tokenEndpointRefreshToken(c)
	case GrantTypeCiba:
		return s.tokenEndpointCiba(c)
	case GrantTypeUmaTicket:
		return s.tokenEndpointUmaTicket(c)
	}
	return invalidRequest("unreachable grant type")
}

func (s *Server) tokenEndpointAuthorizationCode(c echo.Context) error {
	var code, redirectURI, codeVerifier string
	binderr := echo.FormFieldBinder(c).
		MustString("code", &code).
		MustString("redirect_uri", &redirectURI).
		String("code_verifier", &codeVerifier).
		BindError()
	if binderr != nil {
		return invalidRequest(binderr.Error())
	}

	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypeAuthorizationCode) {
		return invalidGrant("grant type not allowed for client")
	}

	ctx := c.Request().Context()
	g, err := s.grants.ConsumeAuthorizationCode(ctx, client.ClientID, code)
	if err != nil {
		return invalidGrant("invalid authorization code")
	}

	if g.RedirectURI != redirectURI {
		return invalidGrant("redirect_uri mismatch")
	}

	// PKCE failures are indistinguishable from a bad code on purpose
	if !verifyCodeChallenge(g.CodeChallenge, g.CodeChallengeMethod, codeVerifier) {
		return invalidGrant("invalid authorization code")
	}

	scopes := g.CheckScopesPolicy(splitScope(c.FormValue("scope")))
	g.Scopes = scopes

	response, protocolError := s.issueTokens(c, client, g, tokenIssuance{
		IncludeRefreshToken: client.IsAllowedGrantType(GrantTypeRefreshToken),
		IncludeIDToken:      g.HasScope("openid"),
		Code:                code,
		State:               g.State,
	})
	if protocolError != nil {
		return protocolError
	}
	return c.JSON(http.StatusOK, response)
}

// verifyCodeChallenge checks the stored challenge against the presented
// verifier. No challenge and no verifier means PKCE was not used.
func verifyCodeChallenge(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	switch method {
	case "", "plain":
		return challenge == verifier
	case "S256":
		digest := sha256.Sum256([]byte(verifier))
		return challenge == base64.RawURLEncoding.EncodeToString(digest[:])
	}
	return false
}

func (s *Server) tokenEndpointClientCredentials(c echo.Context) error {
	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypeClientCredentials) {
		return invalidGrant("grant type not allowed for client")
	}

	scope := c.FormValue("scope")
	if scope == "" {
		return invalidRequest("missing scope")
	}
	scopes := splitScope(scope)
	if !client.IsAllowedScopes(scopes) {
		return &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeInvalidScope,
			Description: fmt.Sprintf("scope not allowed: %s", scope),
		}
	}

	g := grant.New(grant.TypeClientCredentials, client.ClientID)
	g.Scopes = scopes

	response, protocolError := s.issueTokens(c, client, g, tokenIssuance{
		IncludeRefreshToken: client.IsAllowedGrantType(GrantTypeRefreshToken),
	})
	if protocolError != nil {
		return protocolError
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) tokenEndpointPassword(c echo.Context) error {
	var username, password string
	binderr := echo.FormFieldBinder(c).
		MustString("username", &username).
		MustString("password", &password).
		BindError()
	if binderr != nil {
		return invalidRequest(binderr.Error())
	}

	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypePassword) {
		return invalidGrant("grant type not allowed for client")
	}
	if s.userDirectory == nil {
		return serverError(fmt.Errorf("no user directory configured"))
	}

	ctx := c.Request().Context()
	user, err := s.userDirectory.FindUserByCredentials(ctx, username, password)
	if err != nil {
		return invalidGrant("invalid resource owner credentials")
	}

	scopes := splitScope(c.FormValue("scope"))
	if !client.IsAllowedScopes(scopes) {
		return &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeInvalidScope,
			Description: "scope not allowed",
		}
	}

	g := grant.New(grant.TypePassword, client.ClientID)
	g.UserID = user.ID
	g.Scopes = scopes
	g.Claims = user.Claims

	response, protocolError := s.issueTokens(c, client, g, tokenIssuance{
		IncludeRefreshToken: client.IsAllowedGrantType(GrantTypeRefreshToken),
		IncludeIDToken:      g.HasScope("openid"),
		Username:            user.Username,
	})
	if protocolError != nil {
		return protocolError
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) tokenEndpointRefreshToken(c echo.Context) error {
	refreshToken := c.FormValue("refresh_token")
	if refreshToken == "" {
		return invalidRequest("missing refresh_token")
	}

	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypeRefreshToken) {
		return invalidGrant("grant type not allowed for client")
	}

	ctx := c.Request().Context()
	g, newValue, err := s.grants.RotateRefreshToken(ctx, client.ClientID, refreshToken)
	if err != nil {
		return invalidGrant("invalid refresh token")
	}

	scopes := g.CheckScopesPolicy(splitScope(c.FormValue("scope")))
	issued := *g
	issued.Scopes = scopes

	response, protocolError := s.issueTokens(c, client, &issued, tokenIssuance{
		IncludeIDToken:    issued.HasScope("openid"),
		PresetRefresh:     newValue,
		PresetRefreshUsed: true,
	})
	if protocolError != nil {
		return protocolError
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) tokenEndpointCiba(c echo.Context) error {
	authReqID := c.FormValue("auth_req_id")
	if authReqID == "" {
		return invalidRequest("missing auth_req_id")
	}

	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypeCiba) {
		return invalidGrant("grant type not allowed for client")
	}

	ctx := c.Request().Context()
	request, err := s.cibaEngine.Poll(ctx, client.ClientID, authReqID)
	if err != nil {
		return cibaPollError(err)
	}

	// the remove-and-return on the stored grant decides the winner
	// between concurrent polls
	g, err := s.grants.ConsumeCibaGrant(ctx, client.ClientID, request.AuthReqID)
	if err != nil {
		return invalidGrant("auth_req_id is no longer available")
	}
	s.cibaEngine.MarkDelivered(ctx, request.AuthReqID)

	var username string
	if s.userDirectory != nil {
		if user, lookupErr := s.userDirectory.FindUserByID(ctx, g.UserID); lookupErr == nil {
			g.Claims = user.Claims
			username = user.Username
		}
	}

	response, protocolError := s.issueTokens(c, client, g, tokenIssuance{
		IncludeRefreshToken: client.IsAllowedGrantType(GrantTypeRefreshToken),
		IncludeIDToken:      g.HasScope("openid"),
		AuthReqID:           request.AuthReqID,
		Username:            username,
	})
	if protocolError != nil {
		return protocolError
	}
	return c.JSON(http.StatusOK, response)
}

func cibaPollError(err error) *Error {
	switch {
	case errors.Is(err, ciba.ErrAuthorizationPending):
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeAuthorizationPending,
			Description: "end-user authorization is pending",
		}
	case errors.Is(err, ciba.ErrSlowDown):
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeSlowDown,
			Description: "polling too frequently",
		}
	case errors.Is(err, ciba.ErrAccessDenied):
		return &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeAccessDenied,
			Description: "end-user denied the authorization request",
		}
	case errors.Is(err, ciba.ErrTokensAlreadyDelivered):
		return invalidGrant("auth_req_id is no longer available")
	case errors.Is(err, ciba.ErrExpired), errors.Is(err, ciba.ErrUnknownAuthReqID):
		// an unknown id is reported exactly like an expired one
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeExpiredToken,
			Description: "auth_req_id has expired",
		}
	}
	return serverError(err)
}

func (s *Server) tokenEndpointUmaTicket(c echo.Context) error {
	ticket := c.FormValue("ticket")
	if ticket == "" {
		return invalidRequest("missing ticket")
	}

	client, clientError := s.verifyClient(c)
	if clientError != nil {
		return clientError
	}
	if !client.IsAllowedGrantType(GrantTypeUmaTicket) {
		return invalidGrant("grant type not allowed for client")
	}

	claims, protocolError := parseClaimToken(c.FormValue("claim_token"), c.FormValue("claim_token_format"))
	if protocolError != nil {
		return protocolError
	}

	result, err := s.umaEngine.RequestRPT(c.Request().Context(), uma.RPTInput{
		ClientID:         client.ClientID,
		TicketValue:      ticket,
		ExistingRPTValue: c.FormValue("rpt"),
		PCTCode:          c.FormValue("pct"),
		ClaimTokenClaims: claims,
	})
	if err != nil {
		return umaExchangeError(err)
	}

	return c.JSON(http.StatusOK, &TokenResponse{
		AccessToken: result.RPT.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(result.RPT.ExpiresAt.Sub(result.RPT.CreatedAt).Seconds()),
		PCT:         result.PCTCode,
		Upgraded:    result.Upgraded,
	})
}

// parseClaimToken accepts a base64url encoded JSON claim bag pushed with
// the ticket exchange.
func parseClaimToken(claimToken, format string) (map[string]any, *Error) {
	if claimToken == "" {
		return nil, nil
	}
	if format != "" && format != "http://openid.net/specs/openid-connect-core-1_0.html#IDToken" {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidClaimTokenFormat,
			Description: fmt.Sprintf("unsupported claim_token_format: %s", format),
		}
	}
	data, err := base64.RawURLEncoding.DecodeString(claimToken)
	if err != nil {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidClaimToken,
			Description: "claim_token is not base64url encoded",
		}
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidClaimToken,
			Description: "claim_token is not a JSON object",
		}
	}
	return claims, nil
}

func umaExchangeError(err error) *Error {
	var code string
	switch {
	case errors.Is(err, uma.ErrInvalidTicket):
		code = ErrorCodeInvalidTicket
	case errors.Is(err, uma.ErrExpiredTicket):
		code = ErrorCodeExpiredTicket
	case errors.Is(err, uma.ErrInvalidRPT):
		code = ErrorCodeInvalidRPT
	case errors.Is(err, uma.ErrInvalidPCT):
		code = ErrorCodeInvalidPCT
	case errors.Is(err, uma.ErrResourceNotFound):
		code = ErrorCodeInvalidResourceID
	default:
		return serverError(err)
	}
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        code,
		Description: err.Error(),
	}
}

// tokenIssuance carries the per-branch switches for issueTokens.
type tokenIssuance struct {
	IncludeRefreshToken bool
	IncludeIDToken      bool
	Code                string
	State               string
	AuthReqID           string
	Username            string

	// PresetRefresh carries a refresh token value already rotated by the
	// caller, so issueTokens does not mint another one.
	PresetRefresh     string
	PresetRefreshUsed bool
}

// issueTokens mints the response tokens for a validated grant. The scope
// set on g must already be policy-checked.
func (s *Server) issueTokens(c echo.Context, client *ClientMetadata, g *grant.Grant, issuance tokenIssuance) (*TokenResponse, *Error) {
	ctx := c.Request().Context()
	bindings := requestBindings(c)
	if bindings.CertificateThumbprint != "" && g.TokenBindingHash == "" {
		g.TokenBindingHash = bindings.CertificateThumbprint
	}

	accessToken, err := s.codec.MintAccessToken(token.AccessTokenInput{
		ClientID:              client.ClientID,
		Subject:               subjectOf(g),
		Username:              issuance.Username,
		Scopes:                g.Scopes,
		ACR:                   g.ACR,
		AuthenticationTime:    g.AuthenticationTime,
		Opaque:                client.UsesReferenceAccessTokens(),
		CertificateThumbprint: g.TokenBindingHash,
		JWKThumbprint:         bindings.JWKThumbprint,
	})
	if err != nil {
		return nil, serverError(fmt.Errorf("unable to mint access token: %w", err))
	}
	if err := s.grants.IndexAccessToken(ctx, accessToken.Value, g, accessToken.ExpiresAt); err != nil {
		return nil, serverError(fmt.Errorf("unable to index access token: %w", err))
	}

	response := &TokenResponse{
		AccessToken: accessToken.Value,
		TokenType:   accessToken.TokenType,
		ExpiresIn:   accessToken.ExpiresIn,
		Scope:       strings.Join(g.Scopes, " "),
	}

	if issuance.PresetRefreshUsed {
		response.RefreshToken = issuance.PresetRefresh
		response.RefreshExpiresIn = int64(s.grants.RefreshTokenLifetime.Seconds())
	} else if issuance.IncludeRefreshToken {
		refreshValue, err := s.grants.SaveRefreshToken(ctx, g)
		if err != nil {
			return nil, serverError(fmt.Errorf("unable to save refresh token: %w", err))
		}
		response.RefreshToken = refreshValue
		response.RefreshExpiresIn = int64(s.grants.RefreshTokenLifetime.Seconds())
	}

	if issuance.IncludeIDToken {
		idToken, err := s.codec.MintIDToken(token.IDTokenInput{
			ClientID:           client.ClientID,
			Subject:            subjectOf(g),
			Nonce:              g.Nonce,
			ACR:                g.ACR,
			AMR:                g.AMR,
			AuthenticationTime: g.AuthenticationTime,
			SessionID:          g.SessionID,
			AccessTokenValue:   accessToken.Value,
			AccessTokenOpaque:  accessToken.Opaque,
			Code:               issuance.Code,
			State:              issuance.State,
			RefreshTokenValue:  response.RefreshToken,
			AuthReqID:          issuance.AuthReqID,
			Claims:             g.Claims,
		})
		if err != nil {
			return nil, serverError(fmt.Errorf("unable to mint id token: %w", err))
		}
		response.IDToken = idToken
	}

	return response, nil
}

func subjectOf(g *grant.Grant) string {
	if g.UserID != "" {
		return g.UserID
	}
	return g.ClientID
}
