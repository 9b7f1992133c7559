package oauth2server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// User is the directory record the engines need for token minting. Claims
// holds resolved OIDC claims keyed by claim name.
type User struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// UserDirectory is the external directory collaborator.
type UserDirectory interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByCredentials(ctx context.Context, username, password string) (*User, error)
	FindUserByLoginHint(ctx context.Context, loginHint string) (*User, error)
}

// Session is an authenticated end-user session. Clients lists the relying
// parties the session was shared with, used for logout fan-out.
type Session struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Username           string    `json:"username"`
	ACR                string    `json:"acr,omitempty"`
	AMR                []string  `json:"amr,omitempty"`
	AuthenticationTime time.Time `json:"auth_time"`
	Clients            []string  `json:"clients,omitempty"`
}

func (s *Session) AttachClient(clientID string) {
	for _, c := range s.Clients {
		if c == clientID {
			return
		}
	}
	s.Clients = append(s.Clients, clientID)
}

type SessionStore interface {
	FindSessionByID(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
}

// MemorySessionStore is the in-process session store used in tests and
// single-instance deployments.
type MemorySessionStore struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) FindSessionByID(ctx context.Context, id string) (*Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: '%s'", id)
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) SaveSession(ctx context.Context, session *Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sessions, id)
	return nil
}

// StaticUserDirectory serves a fixed user list, for tests and demos.
type StaticUserDirectory struct {
	Users []StaticUser `yaml:"users"`
}

type StaticUser struct {
	User     `yaml:",inline"`
	Password string   `yaml:"password"`
	Hints    []string `yaml:"hints"`
}

func (d *StaticUserDirectory) FindUserByID(ctx context.Context, id string) (*User, error) {
	for i := range d.Users {
		if d.Users[i].ID == id {
			return &d.Users[i].User, nil
		}
	}
	return nil, fmt.Errorf("user not found: '%s'", id)
}

func (d *StaticUserDirectory) FindUserByCredentials(ctx context.Context, username, password string) (*User, error) {
	for i := range d.Users {
		if d.Users[i].Username == username && d.Users[i].Password == password {
			return &d.Users[i].User, nil
		}
	}
	return nil, fmt.Errorf("invalid credentials for user '%s'", username)
}

func (d *StaticUserDirectory) FindUserByLoginHint(ctx context.Context, loginHint string) (*User, error) {
	for i := range d.Users {
		if d.Users[i].Username == loginHint {
			return &d.Users[i].User, nil
		}
		for _, hint := range d.Users[i].Hints {
			if hint == loginHint {
				return &d.Users[i].User, nil
			}
		}
	}
	return nil, fmt.Errorf("no user matches login hint")
}
