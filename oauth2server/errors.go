package oauth2server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error is the protocol error body. Engines return typed sentinel errors;
// the endpoint handlers map them to one of these and the middleware
// renders the JSON.
type Error struct {
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeDisabledClient       = "disabled_client"
	ErrorCodeServerError          = "server_error"
	ErrorCodeInvalidDpopProof     = "invalid_dpop_proof"

	ErrorCodeInvalidResourceID       = "invalid_resource_id"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeInvalidTicket           = "invalid_ticket"
	ErrorCodeExpiredTicket           = "expired_ticket"
	ErrorCodeInvalidRPT              = "invalid_rpt"
	ErrorCodeInvalidPCT              = "invalid_pct"
	ErrorCodeInvalidClaimToken       = "invalid_claim_token"
	ErrorCodeInvalidClaimTokenFormat = "invalid_claim_token_format"

	ErrorCodeUnknownUserID        = "unknown_user_id"
	ErrorCodeInvalidBinding       = "invalid_binding_message"
	ErrorCodeUnauthorizedDevice   = "unauthorized_end_user_device"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeExpiredToken         = "expired_token"
)

func invalidRequest(description string) *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorCodeInvalidRequest,
		Description: description,
	}
}

func invalidGrant(description string) *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorCodeInvalidGrant,
		Description: description,
	}
}

func serverError(err error) *Error {
	// internal detail stays in the log, not in the response
	slog.Error("internal error", "error", err)
	return &Error{
		HttpStatus:  http.StatusInternalServerError,
		Code:        ErrorCodeServerError,
		Description: "internal error",
	}
}

// ErrorHandlerMiddleware renders protocol errors returned up the handler
// chain as JSON bodies with the matching HTTP status.
func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())

			if protocolError, ok := err.(*Error); ok {
				return c.JSON(protocolError.HttpStatus, protocolError)
			} else if echoErr, ok := err.(*echo.HTTPError); ok {
				return c.JSON(echoErr.Code, &Error{
					HttpStatus:  echoErr.Code,
					Code:        ErrorCodeServerError,
					Description: fmt.Sprintf("%v", echoErr.Message),
				})
			}
			return c.JSON(http.StatusInternalServerError, &Error{
				HttpStatus:  http.StatusInternalServerError,
				Code:        ErrorCodeServerError,
				Description: "internal error",
			})
		}
		return nil
	}
}
