package oauth2server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/JanssenProject/jans-sub052/uma"
)

// ScopeUmaProtection guards the resource registration and permission
// APIs. Resource servers obtain a PAT carrying it via client_credentials.
const ScopeUmaProtection = "uma_protection"

// authorizeProtectionAPI resolves the bearer PAT on a protection API call
// to the owning client id.
func (s *Server) authorizeProtectionAPI(c echo.Context) (string, *Error) {
	authorization := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		return "", &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeInvalidClient,
			Description: "missing bearer token",
		}
	}
	value := strings.TrimPrefix(authorization, "Bearer ")

	// JWT access tokens verify locally, reference tokens resolve through
	// the grant index
	if parsed, err := s.codec.Parse(value); err == nil {
		scope, _ := parsed.Get("scope")
		scopeStr, _ := scope.(string)
		if !hasScope(splitScope(scopeStr), ScopeUmaProtection) {
			return "", patScopeError()
		}
		clientID, _ := parsed.Get("client_id")
		clientIDStr, _ := clientID.(string)
		return clientIDStr, nil
	}

	g, err := s.grants.GetByAccessToken(c.Request().Context(), value)
	if err != nil {
		return "", &Error{
			HttpStatus:  http.StatusUnauthorized,
			Code:        ErrorCodeInvalidClient,
			Description: "invalid access token",
		}
	}
	if !g.HasScope(ScopeUmaProtection) {
		return "", patScopeError()
	}
	return g.ClientID, nil
}

func patScopeError() *Error {
	return &Error{
		HttpStatus:  http.StatusForbidden,
		Code:        ErrorCodeInvalidScope,
		Description: "token lacks the uma_protection scope",
	}
}

type resourceResponse struct {
	ID  string `json:"_id"`
	Rev int64  `json:"_rev,string"`
}

func (s *Server) ResourceRegistrationEndpoint(c echo.Context) error {
	clientID, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	var input uma.ResourceInput
	if err := c.Bind(&input); err != nil {
		return invalidRequest(err.Error())
	}
	resource, err := s.umaEngine.RegisterResource(c.Request().Context(), clientID, input)
	if err != nil {
		return umaResourceError(err)
	}
	return c.JSON(http.StatusCreated, resourceResponse{ID: resource.ID, Rev: resource.Rev})
}

func (s *Server) ResourceUpdateEndpoint(c echo.Context) error {
	clientID, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	var input uma.ResourceInput
	if err := c.Bind(&input); err != nil {
		return invalidRequest(err.Error())
	}
	resource, err := s.umaEngine.UpdateResource(c.Request().Context(), clientID, c.Param("rsid"), input)
	if err != nil {
		return umaResourceError(err)
	}
	return c.JSON(http.StatusOK, resourceResponse{ID: resource.ID, Rev: resource.Rev})
}

func (s *Server) ResourceGetEndpoint(c echo.Context) error {
	clientID, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	resource, err := s.umaEngine.GetResource(c.Request().Context(), clientID, c.Param("rsid"))
	if err != nil {
		return umaResourceError(err)
	}
	return c.JSON(http.StatusOK, resource)
}

func (s *Server) ResourceListEndpoint(c echo.Context) error {
	clientID, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	ids, err := s.umaEngine.ListResources(c.Request().Context(), clientID, c.QueryParam("scope"))
	if err != nil {
		return serverError(err)
	}
	return c.JSON(http.StatusOK, ids)
}

func (s *Server) ResourceDeleteEndpoint(c echo.Context) error {
	clientID, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	if err := s.umaEngine.DeleteResource(c.Request().Context(), clientID, c.Param("rsid")); err != nil {
		return umaResourceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func umaResourceError(err error) *Error {
	switch {
	case errors.Is(err, uma.ErrResourceNotFound):
		return &Error{
			HttpStatus:  http.StatusNotFound,
			Code:        ErrorCodeNotFound,
			Description: "resource set not found",
		}
	case errors.Is(err, uma.ErrAccessDenied):
		return &Error{
			HttpStatus:  http.StatusForbidden,
			Code:        ErrorCodeAccessDenied,
			Description: "client does not own the resource set",
		}
	case errors.Is(err, uma.ErrInvalidScope):
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidScope,
			Description: err.Error(),
		}
	}
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorCodeInvalidRequest,
		Description: err.Error(),
	}
}

type permissionResponse struct {
	Ticket string `json:"ticket"`
}

// PermissionEndpoint mints a permission ticket for one or more requested
// permissions. Accepts both the single-object and list request forms.
func (s *Server) PermissionEndpoint(c echo.Context) error {
	_, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalidRequest("unable to read request body")
	}
	var requests []uma.PermissionRequest
	if err := json.Unmarshal(body, &requests); err != nil {
		var single uma.PermissionRequest
		if err := json.Unmarshal(body, &single); err != nil {
			return invalidRequest("malformed permission request")
		}
		requests = []uma.PermissionRequest{single}
	}

	ticket, err := s.umaEngine.IssuePermissionTicket(c.Request().Context(), requests)
	if err != nil {
		switch {
		case errors.Is(err, uma.ErrResourceNotFound):
			return &Error{
				HttpStatus:  http.StatusBadRequest,
				Code:        ErrorCodeInvalidResourceID,
				Description: "resource id could not be resolved",
			}
		case errors.Is(err, uma.ErrInvalidScope):
			return &Error{
				HttpStatus:  http.StatusBadRequest,
				Code:        ErrorCodeInvalidScope,
				Description: err.Error(),
			}
		}
		return invalidRequest(err.Error())
	}
	return c.JSON(http.StatusCreated, permissionResponse{Ticket: ticket.Value})
}

// RPTStatusEndpoint introspects an RPT on behalf of a resource server.
func (s *Server) RPTStatusEndpoint(c echo.Context) error {
	_, protocolError := s.authorizeProtectionAPI(c)
	if protocolError != nil {
		return protocolError
	}

	value := c.FormValue("token")
	if value == "" {
		value = c.QueryParam("token")
	}
	if value == "" {
		return invalidRequest("missing token")
	}

	result, err := s.umaEngine.IntrospectRPT(c.Request().Context(), value)
	if err != nil {
		return serverError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
