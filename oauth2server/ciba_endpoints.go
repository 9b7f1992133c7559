package oauth2server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/JanssenProject/jans-sub052/ciba"
	"github.com/JanssenProject/jans-sub052/grant"
)

// BackchannelAuthenticationResponse is the successful bc-authorize body.
// Interval is only meaningful for poll and ping delivery modes.
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// BackchannelAuthorizeEndpoint opens a CIBA authentication request on
// behalf of the calling client. The end user is identified by exactly
// one of login_hint, login_hint_token or id_token_hint.
func (s *Server) BackchannelAuthorizeEndpoint(c echo.Context) error {
	client, authErr := s.verifyClient(c)
	if authErr != nil {
		return authErr
	}
	if !client.IsAllowedGrantType(GrantTypeCiba) {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeUnauthorizedClient,
			Description: "client is not authorized for backchannel authentication",
		}
	}

	loginHint, hintErr := s.resolveBackchannelHint(c)
	if hintErr != nil {
		return hintErr
	}

	deliveryMode := client.BackchannelTokenDeliveryMode
	if deliveryMode == "" {
		deliveryMode = DeliveryModePoll
	}
	notificationToken := c.FormValue("client_notification_token")
	if deliveryMode != DeliveryModePoll && notificationToken == "" {
		return invalidRequest("client_notification_token is required for " + deliveryMode + " delivery mode")
	}
	if deliveryMode != DeliveryModePoll && client.BackchannelClientNotificationEndpoint == "" {
		return invalidRequest("client has no registered notification endpoint")
	}

	scopes := splitScope(c.FormValue("scope"))
	if !client.IsAllowedScopes(scopes) {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidScope,
			Description: "scope is not allowed for this client",
		}
	}

	var requestedExpiry int64
	binderr := echo.FormFieldBinder(c).
		Int64("requested_expiry", &requestedExpiry).
		BindError()
	if binderr != nil {
		return invalidRequest("requested_expiry must be a positive integer")
	}

	request, err := s.cibaEngine.Authorize(c.Request().Context(), ciba.AuthorizeInput{
		ClientID:                client.ClientID,
		LoginHint:               loginHint,
		Scopes:                  scopes,
		ACRValues:               splitScope(c.FormValue("acr_values")),
		BindingMessage:          c.FormValue("binding_message"),
		ClientNotificationToken: notificationToken,
		RequestedExpiry:         requestedExpiry,
	})
	if err != nil {
		return backchannelAuthorizeError(err)
	}

	response := &BackchannelAuthenticationResponse{
		AuthReqID: request.AuthReqID,
		ExpiresIn: request.ExpiresIn(time.Now()),
	}
	if deliveryMode != DeliveryModePush {
		response.Interval = request.Interval
	}
	return c.JSON(http.StatusOK, response)
}

// resolveBackchannelHint extracts the single user hint from the request.
// More or less than one hint is reported the same way as a hint that
// matches nobody, so callers cannot probe which hints exist.
func (s *Server) resolveBackchannelHint(c echo.Context) (string, *Error) {
	loginHint := c.FormValue("login_hint")
	loginHintToken := c.FormValue("login_hint_token")
	idTokenHint := c.FormValue("id_token_hint")

	hints := 0
	for _, hint := range []string{loginHint, loginHintToken, idTokenHint} {
		if hint != "" {
			hints++
		}
	}
	if hints != 1 {
		return "", unknownUserID()
	}

	switch {
	case loginHint != "":
		return loginHint, nil
	case loginHintToken != "":
		parsed, err := s.codec.Parse(loginHintToken)
		if err != nil {
			return "", unknownUserID()
		}
		return parsed.Subject(), nil
	default:
		parsed, err := s.codec.Parse(idTokenHint)
		if err != nil {
			return "", unknownUserID()
		}
		return parsed.Subject(), nil
	}
}

func unknownUserID() *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorCodeUnknownUserID,
		Description: "no single end user could be identified from the request hints",
	}
}

func backchannelAuthorizeError(err error) error {
	switch {
	case errors.Is(err, ciba.ErrUnknownUser):
		return unknownUserID()
	case errors.Is(err, ciba.ErrUnknownDevice):
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeUnauthorizedDevice,
			Description: "end user has no registered authentication device",
		}
	case errors.Is(err, ciba.ErrInvalidBindingMessage):
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidBinding,
			Description: "binding_message is not plainly displayable",
		}
	default:
		return serverError(err)
	}
}

// GrantBackchannelRequest records the end user's approval collected out
// of band, typically by the authentication device integration. The
// approval also materializes the grant in the registry; redeeming that
// copy is what makes token delivery exactly-once under concurrent polls.
func (s *Server) GrantBackchannelRequest(ctx context.Context, authReqID string) (*ciba.Request, error) {
	if s.cibaEngine == nil {
		return nil, errors.New("backchannel authentication is not enabled")
	}
	request, err := s.cibaEngine.Grant(ctx, authReqID)
	if err != nil {
		return nil, err
	}

	g := grant.New(grant.TypeCiba, request.ClientID)
	g.UserID = request.UserID
	g.Scopes = request.Scopes
	g.AuthReqID = request.AuthReqID
	g.AuthenticationTime = request.GrantedAt
	g.ExpiresAt = request.ExpiresAt
	if len(request.ACRValues) > 0 {
		g.ACR = request.ACRValues[0]
	}
	if err := s.grants.SaveCibaGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("unable to save backchannel grant: %w", err)
	}
	return request, nil
}

// DenyBackchannelRequest records the end user's refusal.
func (s *Server) DenyBackchannelRequest(ctx context.Context, authReqID string) (*ciba.Request, error) {
	if s.cibaEngine == nil {
		return nil, errors.New("backchannel authentication is not enabled")
	}
	return s.cibaEngine.Deny(ctx, authReqID)
}

// BackchannelDeviceRegistrationEndpoint binds an authentication device
// to the end user identified by a previously issued ID token.
func (s *Server) BackchannelDeviceRegistrationEndpoint(c echo.Context) error {
	var idTokenHint, deviceToken string
	binderr := echo.FormFieldBinder(c).
		MustString("id_token_hint", &idTokenHint).
		MustString("device_registration_token", &deviceToken).
		BindError()
	if binderr != nil {
		return invalidRequest("id_token_hint and device_registration_token are required")
	}

	parsed, err := s.codec.Parse(idTokenHint)
	if err != nil {
		return invalidRequest("id_token_hint is not a valid token")
	}
	subject := parsed.Subject()
	if subject == "" {
		return invalidRequest("id_token_hint carries no subject")
	}

	registrar, ok := s.cibaDevices.(ciba.DeviceRegistrar)
	if !ok {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidRequest,
			Description: "device registration is not supported by this deployment",
		}
	}
	if err := registrar.RegisterDevice(c.Request().Context(), subject, deviceToken); err != nil {
		return serverError(err)
	}
	return c.NoContent(http.StatusOK)
}
