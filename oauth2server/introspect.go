package oauth2server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/JanssenProject/jans-sub052/grant"
)

// IntrospectionResponse follows RFC 7662. Inactive tokens carry only
// the active flag.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// IntrospectionEndpoint reports the state of an access or refresh token
// to an authenticated client. Tokens that are unknown, expired or were
// issued to a different client are reported inactive rather than as an
// error.
func (s *Server) IntrospectionEndpoint(c echo.Context) error {
	client, authErr := s.verifyClient(c)
	if authErr != nil {
		return authErr
	}

	var tokenValue string
	binderr := echo.FormFieldBinder(c).
		MustString("token", &tokenValue).
		BindError()
	if binderr != nil {
		return invalidRequest("token form parameter is required")
	}
	tokenTypeHint := c.FormValue("token_type_hint")

	if response := s.introspectJWT(tokenValue); response != nil {
		return c.JSON(http.StatusOK, response)
	}

	ctx := c.Request().Context()
	if tokenTypeHint != "refresh_token" {
		if g, err := s.grants.GetByAccessToken(ctx, tokenValue); err == nil {
			if g.ClientID != client.ClientID {
				// reference tokens of other clients read as inactive
				return c.JSON(http.StatusOK, &IntrospectionResponse{Active: false})
			}
			return c.JSON(http.StatusOK, introspectionFromGrant(g, "Bearer"))
		}
	}
	if g, err := s.grants.GetByRefreshToken(ctx, client.ClientID, tokenValue); err == nil && !g.Expired(time.Now()) {
		return c.JSON(http.StatusOK, introspectionFromGrant(g, "refresh_token"))
	}

	return c.JSON(http.StatusOK, &IntrospectionResponse{Active: false})
}

// introspectJWT handles self-contained access tokens. Parse covers
// signature, issuer and time validation, so any parse failure means
// inactive and the caller falls through to the reference token lookup.
func (s *Server) introspectJWT(value string) *IntrospectionResponse {
	parsed, err := s.codec.Parse(value)
	if err != nil {
		return nil
	}
	response := &IntrospectionResponse{
		Active:    true,
		TokenType: "Bearer",
		Sub:       parsed.Subject(),
		Iss:       parsed.Issuer(),
		Jti:       parsed.JwtID(),
		Exp:       parsed.Expiration().Unix(),
		Iat:       parsed.IssuedAt().Unix(),
		Aud:       strings.Join(parsed.Audience(), " "),
	}
	if scope, ok := parsed.Get("scope"); ok {
		response.Scope, _ = scope.(string)
	}
	if clientID, ok := parsed.Get("client_id"); ok {
		response.ClientID, _ = clientID.(string)
	}
	if username, ok := parsed.Get("username"); ok {
		response.Username, _ = username.(string)
	}
	// DPoP-bound tokens advertise their own token type
	if tokenType, ok := parsed.Get("token_type"); ok {
		if value, _ := tokenType.(string); value != "" {
			response.TokenType = value
		}
	}
	return response
}

func introspectionFromGrant(g *grant.Grant, tokenType string) *IntrospectionResponse {
	response := &IntrospectionResponse{
		Active:    true,
		TokenType: tokenType,
		Scope:     strings.Join(g.Scopes, " "),
		ClientID:  g.ClientID,
		Sub:       g.ClientID,
		Iat:       g.CreatedAt.Unix(),
	}
	if g.UserID != "" {
		response.Sub = g.UserID
	}
	if !g.ExpiresAt.IsZero() {
		response.Exp = g.ExpiresAt.Unix()
	}
	return response
}

// RevocationEndpoint implements RFC 7009. Revocation is idempotent and
// always answers 200, including for tokens the server never issued.
func (s *Server) RevocationEndpoint(c echo.Context) error {
	client, authErr := s.verifyClient(c)
	if authErr != nil {
		return authErr
	}

	var tokenValue string
	binderr := echo.FormFieldBinder(c).
		MustString("token", &tokenValue).
		BindError()
	if binderr != nil {
		return invalidRequest("token form parameter is required")
	}
	tokenTypeHint := c.FormValue("token_type_hint")

	ctx := c.Request().Context()
	if tokenTypeHint != "refresh_token" {
		if err := s.grants.RevokeAccessToken(ctx, tokenValue); err != nil {
			slog.Warn("access token revocation", "client_id", client.ClientID, "error", err)
		}
	}
	if err := s.grants.RevokeRefreshToken(ctx, client.ClientID, tokenValue); err != nil {
		slog.Warn("refresh token revocation", "client_id", client.ClientID, "error", err)
	}

	return c.NoContent(http.StatusOK)
}
