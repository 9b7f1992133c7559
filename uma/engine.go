package uma

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/ksuid"

	"github.com/JanssenProject/jans-sub052/token"
)

// Engine implements the resource, ticket, RPT and PCT lifecycle. It holds
// no per-request state; everything lives in the store.
type Engine struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger

	TicketLifetime     time.Duration
	PermissionLifetime time.Duration
	RPTLifetime        time.Duration
	PCTLifetime        time.Duration

	now func() time.Time
}

func NewEngine(store Store) *Engine {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Engine{
		store:              store,
		validate:           validate,
		logger:             slog.Default(),
		TicketLifetime:     5 * time.Minute,
		PermissionLifetime: 1 * time.Hour,
		RPTLifetime:        1 * time.Hour,
		PCTLifetime:        24 * time.Hour,
		now:                time.Now,
	}
}

type ResourceInput struct {
	Name    string   `json:"name" validate:"required"`
	Type    string   `json:"type"`
	Scopes  []string `json:"resource_scopes" validate:"required,min=1"`
	IconURI string   `json:"icon_uri" validate:"omitempty,uri"`
}

// RegisterResource creates a resource set owned by clientID.
func (e *Engine) RegisterResource(ctx context.Context, clientID string, input ResourceInput) (*Resource, error) {
	if err := e.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("uma: invalid resource description: %w", err)
	}
	resource := &Resource{
		ID:        ksuid.New().String(),
		Name:      input.Name,
		Type:      input.Type,
		Scopes:    input.Scopes,
		IconURI:   input.IconURI,
		Clients:   []string{clientID},
		Rev:       1,
		CreatedAt: e.now(),
	}
	if err := e.store.PutResource(ctx, resource); err != nil {
		return nil, err
	}
	e.logger.Info("resource registered", "resource_id", resource.ID, "client_id", clientID)
	return resource, nil
}

// UpdateResource replaces the resource description. Only an owning client
// may update; every accepted update bumps Rev.
func (e *Engine) UpdateResource(ctx context.Context, clientID, id string, input ResourceInput) (*Resource, error) {
	if err := e.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("uma: invalid resource description: %w", err)
	}
	resource, err := e.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !resource.OwnedBy(clientID) {
		return nil, ErrAccessDenied
	}
	resource.Name = input.Name
	resource.Type = input.Type
	resource.Scopes = input.Scopes
	resource.IconURI = input.IconURI
	resource.Rev++
	if err := e.store.PutResource(ctx, resource); err != nil {
		return nil, err
	}
	return resource, nil
}

func (e *Engine) GetResource(ctx context.Context, clientID, id string) (*Resource, error) {
	resource, err := e.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !resource.OwnedBy(clientID) {
		return nil, ErrAccessDenied
	}
	return resource, nil
}

// ListResources returns the ids of clientID's resources, optionally
// filtered to those carrying scope.
func (e *Engine) ListResources(ctx context.Context, clientID, scope string) ([]string, error) {
	resources, err := e.store.ListResources(ctx, clientID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		if scope != "" && !r.HasScope(scope) {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (e *Engine) DeleteResource(ctx context.Context, clientID, id string) error {
	resource, err := e.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if !resource.OwnedBy(clientID) {
		return ErrAccessDenied
	}
	return e.store.DeleteResource(ctx, id)
}

// PermissionRequest asks for scopes on one resource.
type PermissionRequest struct {
	ResourceID string   `json:"resource_id" validate:"required"`
	Scopes     []string `json:"resource_scopes" validate:"required,min=1"`
}

// IssuePermissionTicket validates each requested (resource, scopes) pair
// and mints a single-use ticket covering all of them. Requested scopes
// must be registered on the resource.
func (e *Engine) IssuePermissionTicket(ctx context.Context, requests []PermissionRequest) (*Ticket, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("uma: empty permission request")
	}
	now := e.now()
	permissions := make([]Permission, 0, len(requests))
	for _, request := range requests {
		if err := e.validate.Struct(request); err != nil {
			return nil, fmt.Errorf("uma: invalid permission request: %w", err)
		}
		resource, err := e.store.GetResource(ctx, request.ResourceID)
		if err != nil {
			return nil, err
		}
		for _, scope := range request.Scopes {
			if !resource.HasScope(scope) {
				return nil, fmt.Errorf("%w: %q on resource %s", ErrInvalidScope, scope, resource.ID)
			}
		}
		permissions = append(permissions, Permission{
			ResourceID: resource.ID,
			Scopes:     request.Scopes,
			ExpiresAt:  now.Add(e.PermissionLifetime),
		})
	}
	ticket := &Ticket{
		Value:       token.NewHandle(),
		Permissions: permissions,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.TicketLifetime),
	}
	if err := e.store.PutTicket(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

// RPTInput is the token endpoint's UMA branch input.
type RPTInput struct {
	ClientID  string
	Requester string

	TicketValue string

	// ExistingRPTValue upgrades an in-flight RPT instead of minting a new
	// one.
	ExistingRPTValue string

	// PCTCode resumes a previous negotiation; ClaimTokenClaims carries
	// claims pushed with this exchange. Both merge into the PCT attached
	// to the granted permissions.
	PCTCode          string
	ClaimTokenClaims map[string]any
}

// RPTResult is the outcome of a ticket exchange.
type RPTResult struct {
	RPT      *RPT
	PCTCode  string
	Upgraded bool
}

// RequestRPT redeems a permission ticket into an RPT. The ticket is burned
// on every attempt. Permissions already expired at exchange time never
// transfer onto the RPT.
func (e *Engine) RequestRPT(ctx context.Context, input RPTInput) (*RPTResult, error) {
	ticket, err := e.store.ConsumeTicket(ctx, input.TicketValue)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if ticket.Expired(now) {
		return nil, ErrExpiredTicket
	}

	pctCode, err := e.persistClaims(ctx, input, now)
	if err != nil {
		return nil, err
	}

	granted := make([]Permission, 0, len(ticket.Permissions))
	for _, permission := range ticket.Permissions {
		if !permission.Valid(now) {
			continue
		}
		permission.PCTCode = pctCode
		granted = append(granted, permission)
	}
	if len(granted) == 0 {
		return nil, ErrExpiredTicket
	}

	if input.ExistingRPTValue != "" {
		rpt, err := e.store.GetRPT(ctx, input.ExistingRPTValue)
		if err != nil {
			return nil, err
		}
		if rpt.Expired(now) || rpt.ClientID != input.ClientID {
			return nil, ErrInvalidRPT
		}
		rpt.Permissions = append(rpt.Permissions, granted...)
		if err := e.store.PutRPT(ctx, rpt); err != nil {
			return nil, err
		}
		return &RPTResult{RPT: rpt, PCTCode: pctCode, Upgraded: true}, nil
	}

	rpt := &RPT{
		Value:       token.NewHandle(),
		ClientID:    input.ClientID,
		Requester:   input.Requester,
		Permissions: granted,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.RPTLifetime),
	}
	if err := e.store.PutRPT(ctx, rpt); err != nil {
		return nil, err
	}
	return &RPTResult{RPT: rpt, PCTCode: pctCode}, nil
}

// persistClaims folds pushed claims into the referenced PCT, or creates a
// fresh PCT when claims arrive without one. Returns the PCT code to stamp
// on granted permissions, empty when no claims are in play.
func (e *Engine) persistClaims(ctx context.Context, input RPTInput, now time.Time) (string, error) {
	if input.PCTCode == "" && len(input.ClaimTokenClaims) == 0 {
		return "", nil
	}

	var pct *PCT
	if input.PCTCode != "" {
		existing, err := e.store.GetPCT(ctx, input.PCTCode)
		if err != nil {
			return "", err
		}
		if !now.Before(existing.ExpiresAt) || existing.ClientID != input.ClientID {
			return "", ErrInvalidPCT
		}
		pct = existing
	} else {
		pct = &PCT{
			Code:      token.NewHandle(),
			ClientID:  input.ClientID,
			Claims:    map[string]any{},
			CreatedAt: now,
		}
	}
	for name, value := range input.ClaimTokenClaims {
		pct.Claims[name] = value
	}
	pct.ExpiresAt = now.Add(e.PCTLifetime)
	if err := e.store.PutPCT(ctx, pct); err != nil {
		return "", err
	}
	return pct.Code, nil
}

// PermissionStatus is one introspected permission.
type PermissionStatus struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes"`
	Exp        int64    `json:"exp"`
}

// Introspection is the RPT status response body.
type Introspection struct {
	Active      bool               `json:"active"`
	Exp         int64              `json:"exp,omitempty"`
	Iat         int64              `json:"iat,omitempty"`
	ClientID    string             `json:"client_id,omitempty"`
	Sub         string             `json:"sub,omitempty"`
	Permissions []PermissionStatus `json:"permissions,omitempty"`
	PCTClaims   map[string]any     `json:"pct_claims,omitempty"`
}

// IntrospectRPT reports the live permissions of an RPT. An unknown or
// expired RPT is active=false, never an error; expired permissions are
// filtered out individually without invalidating the RPT.
func (e *Engine) IntrospectRPT(ctx context.Context, value string) (*Introspection, error) {
	rpt, err := e.store.GetRPT(ctx, value)
	if err != nil {
		if err == ErrInvalidRPT {
			return &Introspection{Active: false}, nil
		}
		return nil, err
	}
	now := e.now()
	if rpt.Expired(now) {
		return &Introspection{Active: false}, nil
	}

	result := &Introspection{
		Active:   true,
		Exp:      rpt.ExpiresAt.Unix(),
		Iat:      rpt.CreatedAt.Unix(),
		ClientID: rpt.ClientID,
		Sub:      rpt.Requester,
	}
	var latestPCT string
	for _, permission := range rpt.Permissions {
		if !permission.Valid(now) {
			continue
		}
		result.Permissions = append(result.Permissions, PermissionStatus{
			ResourceID: permission.ResourceID,
			Scopes:     permission.Scopes,
			Exp:        permission.ExpiresAt.Unix(),
		})
		if permission.PCTCode != "" {
			latestPCT = permission.PCTCode
		}
	}
	if latestPCT != "" {
		pct, err := e.store.GetPCT(ctx, latestPCT)
		if err != nil {
			// a dangling reference degrades the response, it never fails it
			e.logger.Warn("pct referenced by rpt not found", "pct", latestPCT, "rpt_client", rpt.ClientID)
		} else {
			result.PCTClaims = pct.Claims
		}
	}
	return result, nil
}
