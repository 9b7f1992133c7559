package grant

import (
	"context"
	"fmt"
	"time"

	"github.com/JanssenProject/jans-sub052/token"
)

// Key namespaces. Code and refresh keys embed the client id, so a value
// presented by the wrong client misses without any cross-client lookup.
const (
	keyPrefixCode    = "code"
	keyPrefixRefresh = "refresh"
	keyPrefixAccess  = "access"
	keyPrefixCiba    = "cibagrant"
)

func CodeKey(clientID, code string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixCode, clientID, code)
}

func RefreshKey(clientID, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixRefresh, clientID, value)
}

func AccessKey(value string) string {
	return fmt.Sprintf("%s:%s", keyPrefixAccess, value)
}

func CibaKey(clientID, authReqID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixCiba, clientID, authReqID)
}

// Registry is the single writer of grant state. All single-use semantics
// (codes, refresh rotation, CIBA delivery) go through the store's Consume.
type Registry struct {
	store Store

	CodeLifetime         time.Duration
	RefreshTokenLifetime time.Duration
	CibaGrantLifetime    time.Duration
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store:                store,
		CodeLifetime:         1 * time.Minute,
		RefreshTokenLifetime: 24 * time.Hour,
		CibaGrantLifetime:    5 * time.Minute,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// CreateAuthorizationCodeGrant stores g under a fresh single-use code and
// returns the code value.
func (r *Registry) CreateAuthorizationCodeGrant(ctx context.Context, g *Grant) (string, error) {
	code := token.NewHandle()
	g.Code = code
	g.ExpiresAt = time.Now().Add(r.CodeLifetime)
	if err := r.store.Put(ctx, CodeKey(g.ClientID, code), g, seconds(r.CodeLifetime)); err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeAuthorizationCode atomically removes and returns the grant behind
// code. The code is gone after this call whether or not the caller's
// subsequent validation succeeds, so a failed exchange burns the code.
func (r *Registry) ConsumeAuthorizationCode(ctx context.Context, clientID, code string) (*Grant, error) {
	g, err := r.store.Consume(ctx, CodeKey(clientID, code))
	if err != nil {
		return nil, err
	}
	if g.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return g, nil
}

// SaveRefreshToken stores g under a fresh refresh token value and returns
// that value.
func (r *Registry) SaveRefreshToken(ctx context.Context, g *Grant) (string, error) {
	value := token.NewHandle()
	g.RefreshTokenValue = value
	g.ExpiresAt = time.Now().Add(r.RefreshTokenLifetime)
	if err := r.store.Put(ctx, RefreshKey(g.ClientID, value), g, seconds(r.RefreshTokenLifetime)); err != nil {
		return "", err
	}
	return value, nil
}

// RotateRefreshToken consumes oldValue and re-stores the grant under a new
// refresh token value. The consume is the linearization point: when two
// callers race on the same token, exactly one rotation succeeds and the
// other sees ErrNotFound.
func (r *Registry) RotateRefreshToken(ctx context.Context, clientID, oldValue string) (*Grant, string, error) {
	g, err := r.store.Consume(ctx, RefreshKey(clientID, oldValue))
	if err != nil {
		return nil, "", err
	}
	newValue, err := r.SaveRefreshToken(ctx, g)
	if err != nil {
		return nil, "", err
	}
	return g, newValue, nil
}

// RevokeRefreshToken removes the refresh token without reissuing.
func (r *Registry) RevokeRefreshToken(ctx context.Context, clientID, value string) error {
	return r.store.Delete(ctx, RefreshKey(clientID, value))
}

// GetByRefreshToken looks a grant up without consuming it, for
// introspection and revocation.
func (r *Registry) GetByRefreshToken(ctx context.Context, clientID, value string) (*Grant, error) {
	return r.store.Get(ctx, RefreshKey(clientID, value))
}

// IndexAccessToken records an issued access token value so opaque tokens
// can be introspected and revoked. The index entry lives exactly as long
// as the token.
func (r *Registry) IndexAccessToken(ctx context.Context, value string, g *Grant, expiresAt time.Time) error {
	g.AccessTokenValues = append(g.AccessTokenValues, value)
	ttl := seconds(time.Until(expiresAt))
	if ttl <= 0 {
		return nil
	}
	return r.store.Put(ctx, AccessKey(value), g, ttl)
}

func (r *Registry) GetByAccessToken(ctx context.Context, value string) (*Grant, error) {
	return r.store.Get(ctx, AccessKey(value))
}

func (r *Registry) RevokeAccessToken(ctx context.Context, value string) error {
	return r.store.Delete(ctx, AccessKey(value))
}

// SaveCibaGrant stores an authorized backchannel grant under its
// auth_req_id until the client polls for it.
func (r *Registry) SaveCibaGrant(ctx context.Context, g *Grant) error {
	ttl := r.CibaGrantLifetime
	if !g.ExpiresAt.IsZero() {
		if remaining := time.Until(g.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return ErrExpired
	}
	return r.store.Put(ctx, CibaKey(g.ClientID, g.AuthReqID), g, seconds(ttl))
}

// ConsumeCibaGrant removes and returns the grant for authReqID. Tokens for
// a backchannel request are minted from this exactly once.
func (r *Registry) ConsumeCibaGrant(ctx context.Context, clientID, authReqID string) (*Grant, error) {
	g, err := r.store.Consume(ctx, CibaKey(clientID, authReqID))
	if err != nil {
		return nil, err
	}
	if g.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return g, nil
}
