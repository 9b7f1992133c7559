// UMA 2.0 resource registration, permission tickets, RPTs and PCTs.
package uma

import (
	"errors"
	"time"
)

var (
	ErrResourceNotFound = errors.New("uma: resource not found")
	ErrAccessDenied     = errors.New("uma: client does not own the resource")
	ErrInvalidScope     = errors.New("uma: requested scope not registered on resource")
	ErrInvalidTicket    = errors.New("uma: invalid permission ticket")
	ErrExpiredTicket    = errors.New("uma: permission ticket expired")
	ErrInvalidRPT       = errors.New("uma: invalid rpt")
	ErrInvalidPCT       = errors.New("uma: invalid pct")
)

// Resource is a registered resource set. Clients lists the resource
// servers allowed to manage it; Rev increments on every update so callers
// can detect concurrent modification.
type Resource struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Scopes  []string `json:"resource_scopes"`
	IconURI string   `json:"icon_uri,omitempty"`

	Clients   []string  `json:"-"`
	Rev       int64     `json:"-"`
	CreatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

func (r *Resource) OwnedBy(clientID string) bool {
	for _, c := range r.Clients {
		if c == clientID {
			return true
		}
	}
	return false
}

func (r *Resource) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Permission is one granted (resource, scopes) pair with its own expiry.
type Permission struct {
	ResourceID string    `json:"resource_id"`
	Scopes     []string  `json:"resource_scopes"`
	ExpiresAt  time.Time `json:"exp"`

	// PCTCode references the claims gathered when this permission was
	// granted.
	PCTCode string `json:"-"`
}

// Valid reports whether the permission is still redeemable. An expired
// permission never makes it into an RPT or an introspection response.
func (p Permission) Valid(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

// Ticket is a pending permission request, redeemed single-use at the
// token endpoint.
type Ticket struct {
	Value       string       `json:"ticket"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

func (t *Ticket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RPT aggregates the permissions granted to one requester/client pair over
// successive ticket exchanges.
type RPT struct {
	Value       string       `json:"value"`
	ClientID    string       `json:"client_id"`
	Requester   string       `json:"requester,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

func (r *RPT) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PCT carries previously gathered claims across negotiation rounds.
type PCT struct {
	Code      string         `json:"code"`
	ClientID  string         `json:"client_id"`
	Claims    map[string]any `json:"claims"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}
