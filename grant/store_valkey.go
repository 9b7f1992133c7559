package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore persists grants in Valkey as JSON values with a server-side
// TTL. Consume uses GETDEL so concurrent redemptions of the same key
// resolve to exactly one winner.
type ValkeyStore struct {
	valkeyClient valkey.Client
}

func NewValkeyStore(valkeyClient valkey.Client) *ValkeyStore {
	return &ValkeyStore{valkeyClient: valkeyClient}
}

func (s *ValkeyStore) Put(ctx context.Context, key string, g *Grant, ttlSeconds int64) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("grant: marshaling grant: %w", err)
	}
	builder := s.valkeyClient.B().Set().Key(key).Value(string(data))
	var cmd valkey.Completed
	if ttlSeconds > 0 {
		cmd = builder.Ex(time.Duration(ttlSeconds) * time.Second).Build()
	} else {
		cmd = builder.Build()
	}
	if err := s.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("grant: storing grant in Valkey: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (*Grant, error) {
	result := s.valkeyClient.Do(ctx, s.valkeyClient.B().Get().Key(key).Build())
	return unmarshalResult(result)
}

func (s *ValkeyStore) Consume(ctx context.Context, key string) (*Grant, error) {
	result := s.valkeyClient.Do(ctx, s.valkeyClient.B().Getdel().Key(key).Build())
	return unmarshalResult(result)
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.valkeyClient.Do(ctx, s.valkeyClient.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("grant: deleting grant from Valkey: %w", err)
	}
	return nil
}

func unmarshalResult(result valkey.ValkeyResult) (*Grant, error) {
	data, err := result.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("grant: reading grant from Valkey: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("grant: unmarshaling grant: %w", err)
	}
	return &g, nil
}
