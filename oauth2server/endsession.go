package oauth2server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const logoutFanoutTimeout = 30 * time.Second

// EndSessionEndpoint terminates the session named by the id_token_hint
// and notifies every relying party the session was shared with over
// their back-channel logout endpoints. Notification failures are logged
// and never block the response.
func (s *Server) EndSessionEndpoint(c echo.Context) error {
	var idTokenHint string
	binderr := echo.QueryParamsBinder(c).
		String("id_token_hint", &idTokenHint).
		BindError()
	if binderr != nil || idTokenHint == "" {
		idTokenHint = c.FormValue("id_token_hint")
	}
	if idTokenHint == "" {
		return invalidRequest("id_token_hint is required")
	}

	parsed, err := s.codec.Parse(idTokenHint)
	if err != nil {
		return invalidRequest("id_token_hint is not a valid token")
	}
	sessionID := ""
	if sid, ok := parsed.Get("sid"); ok {
		sessionID, _ = sid.(string)
	}

	ctx := c.Request().Context()
	var session *Session
	if sessionID != "" {
		if session, err = s.sessionStore.FindSessionByID(ctx, sessionID); err != nil {
			slog.Info("end_session for unknown session", "sid", sessionID)
			session = nil
		}
	}
	if session != nil {
		if err := s.sessionStore.DeleteSession(ctx, session.ID); err != nil {
			return serverError(err)
		}
		s.notifyLogout(session)
	}

	redirectURI := c.QueryParam("post_logout_redirect_uri")
	if redirectURI == "" {
		redirectURI = c.FormValue("post_logout_redirect_uri")
	}
	if redirectURI != "" {
		if !s.isAllowedPostLogoutRedirect(parsed.Audience(), redirectURI) {
			return invalidRequest("post_logout_redirect_uri is not registered")
		}
		if state := c.QueryParam("state"); state != "" {
			separator := "?"
			if strings.Contains(redirectURI, "?") {
				separator = "&"
			}
			redirectURI += separator + "state=" + url.QueryEscape(state)
		}
		return c.Redirect(http.StatusFound, redirectURI)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) isAllowedPostLogoutRedirect(audience []string, redirectURI string) bool {
	for _, clientID := range audience {
		client, err := s.clientsRegistry.GetClientMetadata(clientID)
		if err != nil {
			continue
		}
		if client.IsAllowedRedirectURI(redirectURI) {
			return true
		}
	}
	return false
}

// notifyLogout fans a logout token out to every client attached to the
// session. The fan-out is bounded and detached from the request.
func (s *Server) notifyLogout(session *Session) {
	clients := make([]*ClientMetadata, 0, len(session.Clients))
	for _, clientID := range session.Clients {
		client, err := s.clientsRegistry.GetClientMetadata(clientID)
		if err != nil || client.BackchannelLogoutURI == "" {
			continue
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logoutFanoutTimeout)
		defer cancel()

		var wg sync.WaitGroup
		sem := make(chan struct{}, 4)
		for _, client := range clients {
			wg.Add(1)
			sem <- struct{}{}
			go func(client *ClientMetadata) {
				defer wg.Done()
				defer func() { <-sem }()
				s.sendLogoutToken(ctx, client, session)
			}(client)
		}
		wg.Wait()
	}()
}

func (s *Server) sendLogoutToken(ctx context.Context, client *ClientMetadata, session *Session) {
	logoutToken, err := s.codec.MintLogoutToken(client.ClientID, session.UserID, session.ID)
	if err != nil {
		slog.Error("minting logout token", "client_id", client.ClientID, "error", err)
		return
	}

	form := url.Values{"logout_token": {logoutToken}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.BackchannelLogoutURI, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("building logout request", "client_id", client.ClientID, "error", err)
		return
	}
	request.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)

	response, err := s.logoutHTTPClient.Do(request)
	if err != nil {
		slog.Warn("backchannel logout delivery failed", "client_id", client.ClientID, "error", err)
		return
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		slog.Warn("backchannel logout rejected",
			"client_id", client.ClientID,
			"status", response.StatusCode)
	}
}
