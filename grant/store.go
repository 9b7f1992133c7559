package grant

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("grant: not found")
	ErrExpired  = errors.New("grant: expired")
)

// Store persists grants under namespaced keys with a TTL. Consume is the
// linearization point for single-use artifacts: it removes the entry and
// returns it in one step, so concurrent consumers see at most one success.
type Store interface {
	Put(ctx context.Context, key string, g *Grant, ttlSeconds int64) error
	Get(ctx context.Context, key string) (*Grant, error)
	Consume(ctx context.Context, key string) (*Grant, error)
	Delete(ctx context.Context, key string) error
}
