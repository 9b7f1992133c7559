package ciba

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/ksuid"
)

// UserResolverFunc maps a login hint to a stable user id. Returning an
// empty id means the hint matched nobody.
type UserResolverFunc func(ctx context.Context, loginHint string) (string, error)

// DeviceRegistry answers whether a user can be reached on an
// authentication device for the backchannel ceremony.
type DeviceRegistry interface {
	HasAuthenticationDevice(ctx context.Context, userID string) (bool, error)
}

// Notifier pushes the pending request to the user's device. Called from
// its own goroutine; delivery failures are logged, never surfaced to the
// client.
type Notifier interface {
	Notify(ctx context.Context, r *Request)
}

// Engine owns the backchannel request lifecycle. Token minting for granted
// requests lives with the token endpoint; the engine only tracks state.
type Engine struct {
	store          Store
	resolveUser    UserResolverFunc
	deviceRegistry DeviceRegistry
	notifier       Notifier
	validate       *validator.Validate
	logger         *slog.Logger

	RequestLifetime time.Duration
	PollInterval    time.Duration
	MaxLifetime     time.Duration

	now func() time.Time
}

func NewEngine(store Store, resolveUser UserResolverFunc, deviceRegistry DeviceRegistry, notifier Notifier) *Engine {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Engine{
		store:           store,
		resolveUser:     resolveUser,
		deviceRegistry:  deviceRegistry,
		notifier:        notifier,
		validate:        validate,
		logger:          slog.Default(),
		RequestLifetime: 2 * time.Minute,
		PollInterval:    5 * time.Second,
		MaxLifetime:     15 * time.Minute,
		now:             time.Now,
	}
}

type AuthorizeInput struct {
	ClientID                string   `json:"client_id" validate:"required"`
	LoginHint               string   `json:"login_hint" validate:"required"`
	Scopes                  []string `json:"scopes"`
	ACRValues               []string `json:"acr_values"`
	BindingMessage          string   `json:"binding_message" validate:"max=100"`
	ClientNotificationToken string   `json:"client_notification_token"`
	RequestedExpiry         int64    `json:"requested_expiry" validate:"gte=0"`
}

// Authorize opens a backchannel request: resolves the login hint, checks
// the user has a device, stores the pending request and kicks off the
// device notification without waiting for it.
func (e *Engine) Authorize(ctx context.Context, input AuthorizeInput) (*Request, error) {
	if err := e.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("ciba: invalid request: %w", err)
	}
	if !bindingMessagePrintable(input.BindingMessage) {
		return nil, ErrInvalidBindingMessage
	}

	userID, err := e.resolveUser(ctx, input.LoginHint)
	if err != nil {
		return nil, fmt.Errorf("ciba: resolving login hint: %w", err)
	}
	if userID == "" {
		return nil, ErrUnknownUser
	}
	if e.deviceRegistry != nil {
		ok, err := e.deviceRegistry.HasAuthenticationDevice(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("ciba: checking device registration: %w", err)
		}
		if !ok {
			return nil, ErrUnknownDevice
		}
	}

	now := e.now()
	lifetime := e.RequestLifetime
	if input.RequestedExpiry > 0 {
		lifetime = time.Duration(input.RequestedExpiry) * time.Second
		if lifetime > e.MaxLifetime {
			lifetime = e.MaxLifetime
		}
	}
	request := &Request{
		AuthReqID:               ksuid.New().String(),
		ClientID:                input.ClientID,
		UserID:                  userID,
		Scopes:                  input.Scopes,
		ACRValues:               input.ACRValues,
		BindingMessage:          input.BindingMessage,
		ClientNotificationToken: input.ClientNotificationToken,
		Status:                  StatusPending,
		Interval:                int64(e.PollInterval / time.Second),
		CreatedAt:               now,
		ExpiresAt:               now.Add(lifetime),
	}
	if err := e.store.Put(ctx, request); err != nil {
		return nil, err
	}

	if e.notifier != nil {
		go func(r Request) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.notifier.Notify(notifyCtx, &r)
		}(*request)
	}

	e.logger.Info("backchannel request opened",
		"auth_req_id", request.AuthReqID,
		"client_id", request.ClientID,
		"user_id", request.UserID)
	return request, nil
}

// Poll reports the state of a backchannel request on behalf of the token
// endpoint. Pending and too-frequent polls come back as typed errors. A
// granted request is returned until MarkDelivered; the exactly-once
// decision between concurrent polls belongs to whoever redeems the
// stored grant, not to this state check.
func (e *Engine) Poll(ctx context.Context, clientID, authReqID string) (*Request, error) {
	request, err := e.store.Get(ctx, authReqID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != clientID {
		// do not leak existence of other clients' requests
		return nil, ErrUnknownAuthReqID
	}
	now := e.now()
	if request.Expired(now) {
		return nil, ErrExpired
	}

	interval := time.Duration(request.Interval) * time.Second
	tooFast := !request.LastAccessAt.IsZero() && now.Before(request.LastAccessAt.Add(interval))
	request.LastAccessAt = now
	if err := e.store.Put(ctx, request); err != nil {
		return nil, err
	}
	if tooFast {
		return nil, ErrSlowDown
	}

	switch request.Status {
	case StatusPending:
		return nil, ErrAuthorizationPending
	case StatusDenied:
		return nil, ErrAccessDenied
	}
	if request.TokensDelivered {
		return nil, ErrTokensAlreadyDelivered
	}
	return request, nil
}

// MarkDelivered records that tokens for authReqID went out, so later
// polls answer ErrTokensAlreadyDelivered directly. Best effort: the
// redeemed grant is already gone, a lost write here cannot double-mint.
func (e *Engine) MarkDelivered(ctx context.Context, authReqID string) {
	request, err := e.store.Get(ctx, authReqID)
	if err != nil {
		return
	}
	request.TokensDelivered = true
	if err := e.store.Put(ctx, request); err != nil {
		e.logger.Warn("unable to record token delivery",
			"auth_req_id", authReqID,
			"error", err)
	}
}

// Grant records the end-user approval for authReqID.
func (e *Engine) Grant(ctx context.Context, authReqID string) (*Request, error) {
	return e.decide(ctx, authReqID, StatusGranted)
}

// Deny records the end-user rejection for authReqID.
func (e *Engine) Deny(ctx context.Context, authReqID string) (*Request, error) {
	return e.decide(ctx, authReqID, StatusDenied)
}

func (e *Engine) decide(ctx context.Context, authReqID string, status Status) (*Request, error) {
	request, err := e.store.Get(ctx, authReqID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if request.Expired(now) {
		return nil, ErrExpired
	}
	if request.Status != StatusPending {
		return nil, fmt.Errorf("ciba: request %s already decided as %s", authReqID, request.Status)
	}
	request.Status = status
	request.GrantedAt = now
	if err := e.store.Put(ctx, request); err != nil {
		return nil, err
	}
	e.logger.Info("backchannel request decided",
		"auth_req_id", authReqID,
		"status", status)
	return request, nil
}

func bindingMessagePrintable(message string) bool {
	for _, r := range message {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
