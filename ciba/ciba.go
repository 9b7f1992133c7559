// Backchannel authentication requests (CIBA) and their polling lifecycle.
package ciba

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

var (
	ErrUnknownUser            = errors.New("ciba: unknown user")
	ErrUnknownDevice          = errors.New("ciba: user has no authentication device")
	ErrInvalidBindingMessage  = errors.New("ciba: invalid binding message")
	ErrUnknownAuthReqID       = errors.New("ciba: unknown auth_req_id")
	ErrExpired                = errors.New("ciba: request expired")
	ErrSlowDown               = errors.New("ciba: polling too fast")
	ErrAuthorizationPending   = errors.New("ciba: authorization pending")
	ErrAccessDenied           = errors.New("ciba: end-user denied the request")
	ErrTokensAlreadyDelivered = errors.New("ciba: tokens were already delivered")
)

// Request is one backchannel authentication request, keyed by its
// auth_req_id. The end-user decision moves it from pending to granted or
// denied; expiry is checked against ExpiresAt on every access.
type Request struct {
	AuthReqID string `json:"auth_req_id"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`

	Scopes                  []string `json:"scopes,omitempty"`
	ACRValues               []string `json:"acr_values,omitempty"`
	BindingMessage          string   `json:"binding_message,omitempty"`
	ClientNotificationToken string   `json:"client_notification_token,omitempty"`

	Status          Status    `json:"status"`
	TokensDelivered bool      `json:"tokens_delivered"`
	Interval        int64     `json:"interval"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastAccessAt    time.Time `json:"last_access_at,omitzero"`

	// GrantedAt records the end-user decision time.
	GrantedAt time.Time `json:"granted_at,omitzero"`
}

func (r *Request) ExpiresIn(now time.Time) int64 {
	remaining := r.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
