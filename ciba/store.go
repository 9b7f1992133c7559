package ciba

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Store persists backchannel requests by auth_req_id. Entries outlive the
// granted state so late polls can be answered precisely; reaping happens
// through the TTL.
type Store interface {
	Put(ctx context.Context, r *Request) error
	Get(ctx context.Context, authReqID string) (*Request, error)
	Delete(ctx context.Context, authReqID string) error
}

type MemoryStore struct {
	mutex    sync.RWMutex
	requests map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Put(ctx context.Context, r *Request) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requests[r.AuthReqID] = r
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, authReqID string) (*Request, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.requests[authReqID]
	if !ok {
		return nil, ErrUnknownAuthReqID
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) Delete(ctx context.Context, authReqID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.requests, authReqID)
	return nil
}

// ValkeyStore shares backchannel requests across instances. The TTL is
// extended past the request expiry so a poll after expiry still gets the
// expired answer instead of an unknown one.
type ValkeyStore struct {
	valkeyClient valkey.Client
}

func NewValkeyStore(valkeyClient valkey.Client) *ValkeyStore {
	return &ValkeyStore{valkeyClient: valkeyClient}
}

const requestRetention = 10 * time.Minute

func requestKey(authReqID string) string {
	return "cibareq:" + authReqID
}

func (s *ValkeyStore) Put(ctx context.Context, r *Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ciba: marshaling request: %w", err)
	}
	ttl := time.Until(r.ExpiresAt) + requestRetention
	cmd := s.valkeyClient.B().Set().Key(requestKey(r.AuthReqID)).Value(string(data)).Ex(ttl).Build()
	if err := s.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ciba: storing request in Valkey: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Get(ctx context.Context, authReqID string) (*Request, error) {
	result := s.valkeyClient.Do(ctx, s.valkeyClient.B().Get().Key(requestKey(authReqID)).Build())
	data, err := result.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrUnknownAuthReqID
		}
		return nil, fmt.Errorf("ciba: reading request from Valkey: %w", err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ciba: unmarshaling request: %w", err)
	}
	return &r, nil
}

func (s *ValkeyStore) Delete(ctx context.Context, authReqID string) error {
	if err := s.valkeyClient.Do(ctx, s.valkeyClient.B().Del().Key(requestKey(authReqID)).Build()).Error(); err != nil {
		return fmt.Errorf("ciba: deleting request from Valkey: %w", err)
	}
	return nil
}
