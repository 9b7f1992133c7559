package uma

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Store persists all UMA protocol state. ConsumeTicket is single-use:
// concurrent exchanges of the same ticket see one success.
type Store interface {
	PutResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context, clientID string) ([]*Resource, error)
	DeleteResource(ctx context.Context, id string) error

	PutTicket(ctx context.Context, t *Ticket) error
	ConsumeTicket(ctx context.Context, value string) (*Ticket, error)

	PutRPT(ctx context.Context, r *RPT) error
	GetRPT(ctx context.Context, value string) (*RPT, error)

	PutPCT(ctx context.Context, p *PCT) error
	GetPCT(ctx context.Context, code string) (*PCT, error)
}

type MemoryStore struct {
	mutex     sync.RWMutex
	resources map[string]*Resource
	tickets   map[string]*Ticket
	rpts      map[string]*RPT
	pcts      map[string]*PCT
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*Resource),
		tickets:   make(map[string]*Ticket),
		rpts:      make(map[string]*RPT),
		pcts:      make(map[string]*PCT),
	}
}

func (s *MemoryStore) PutResource(ctx context.Context, r *Resource) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.resources[r.ID] = r
	return nil
}

func (s *MemoryStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) ListResources(ctx context.Context, clientID string) ([]*Resource, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*Resource
	for _, r := range s.resources {
		if r.OwnedBy(clientID) {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteResource(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.resources, id)
	return nil
}

func (s *MemoryStore) PutTicket(ctx context.Context, t *Ticket) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tickets[t.Value] = t
	return nil
}

func (s *MemoryStore) ConsumeTicket(ctx context.Context, value string) (*Ticket, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tickets[value]
	if !ok {
		return nil, ErrInvalidTicket
	}
	delete(s.tickets, value)
	return t, nil
}

func (s *MemoryStore) PutRPT(ctx context.Context, r *RPT) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rpts[r.Value] = r
	return nil
}

func (s *MemoryStore) GetRPT(ctx context.Context, value string) (*RPT, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.rpts[value]
	if !ok {
		return nil, ErrInvalidRPT
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) PutPCT(ctx context.Context, p *PCT) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pcts[p.Code] = p
	return nil
}

func (s *MemoryStore) GetPCT(ctx context.Context, code string) (*PCT, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	p, ok := s.pcts[code]
	if !ok {
		return nil, ErrInvalidPCT
	}
	copied := *p
	return &copied, nil
}

// ValkeyTicketStore offloads the hottest UMA state, permission tickets, to
// Valkey so exchanges stay single-use across instances. The rest of the
// state goes through the wrapped store.
type ValkeyTicketStore struct {
	Store
	valkeyClient valkey.Client
}

func NewValkeyTicketStore(inner Store, valkeyClient valkey.Client) *ValkeyTicketStore {
	return &ValkeyTicketStore{Store: inner, valkeyClient: valkeyClient}
}

func ticketKey(value string) string {
	return "umaticket:" + value
}

func (s *ValkeyTicketStore) PutTicket(ctx context.Context, t *Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("uma: marshaling ticket: %w", err)
	}
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return ErrExpiredTicket
	}
	cmd := s.valkeyClient.B().Set().Key(ticketKey(t.Value)).Value(string(data)).Ex(ttl).Build()
	if err := s.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("uma: storing ticket in Valkey: %w", err)
	}
	return nil
}

func (s *ValkeyTicketStore) ConsumeTicket(ctx context.Context, value string) (*Ticket, error) {
	result := s.valkeyClient.Do(ctx, s.valkeyClient.B().Getdel().Key(ticketKey(value)).Build())
	data, err := result.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrInvalidTicket
		}
		return nil, fmt.Errorf("uma: reading ticket from Valkey: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("uma: unmarshaling ticket: %w", err)
	}
	return &t, nil
}
