// Package app holds the client's persisted state and route resolution.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/collab/internal/client"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"go.uber.org/zap"
)

const (
	// IdentityKey stores the anonymous profile as {"id","username"} JSON.
	IdentityKey = "chatUser"
	// SessionKey stores the authenticated session.
	SessionKey = "authSession"
)

var (
	errMissingStore   = errors.New("app: store required")
	errInvalidSession = errors.New("app: session access token required")
)

// Store is the persisted key/value backing for State.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// State is the client's cached identity and auth session. Every mutation goes
// through one of its Set or Clear methods and is persisted before it returns.
type State struct {
	store  Store
	logger *zap.Logger

	mu       sync.RWMutex
	identity *users.User
	session  *client.Session
}

// LoadState reads the persisted state. Malformed entries are dropped.
func LoadState(store Store, logger *zap.Logger) (*State, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	state := &State{store: store, logger: logger}

	raw, ok, err := store.Get(IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("app: load identity: %w", err)
	}
	if ok {
		identity, err := users.DecodeUser([]byte(raw))
		if err != nil {
			logger.Warn("dropping malformed cached identity", zap.Error(err))
			if err := store.Remove(IdentityKey); err != nil {
				return nil, fmt.Errorf("app: drop identity: %w", err)
			}
		} else {
			state.identity = &identity
		}
	}

	raw, ok, err = store.Get(SessionKey)
	if err != nil {
		return nil, fmt.Errorf("app: load session: %w", err)
	}
	if ok {
		session, err := decodeSession(raw)
		if err != nil {
			logger.Warn("dropping malformed cached session", zap.Error(err))
			if err := store.Remove(SessionKey); err != nil {
				return nil, fmt.Errorf("app: drop session: %w", err)
			}
		} else {
			state.session = &session
		}
	}
	return state, nil
}

func decodeSession(raw string) (client.Session, error) {
	var session client.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return client.Session{}, err
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return client.Session{}, errInvalidSession
	}
	return session, nil
}

// CachedIdentity returns the anonymous profile, if one was adopted.
func (s *State) CachedIdentity() (users.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return users.User{}, false
	}
	return *s.identity, true
}

// SetIdentity adopts and persists a profile.
func (s *State) SetIdentity(user users.User) error {
	encoded, err := user.Encode()
	if err != nil {
		return fmt.Errorf("app: encode identity: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(IdentityKey, encoded); err != nil {
		return fmt.Errorf("app: persist identity: %w", err)
	}
	s.identity = &user
	return nil
}

// ClearIdentity forgets the profile.
func (s *State) ClearIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(IdentityKey); err != nil {
		return fmt.Errorf("app: remove identity: %w", err)
	}
	s.identity = nil
	return nil
}

// Session returns the authenticated session, if any.
func (s *State) Session() (client.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return client.Session{}, false
	}
	return *s.session, true
}

// SetSession adopts and persists a session.
func (s *State) SetSession(session client.Session) error {
	if strings.TrimSpace(session.AccessToken) == "" {
		return errInvalidSession
	}
	encoded, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("app: encode session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(SessionKey, string(encoded)); err != nil {
		return fmt.Errorf("app: persist session: %w", err)
	}
	s.session = &session
	return nil
}

// ClearSession signs the client out locally.
func (s *State) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(SessionKey); err != nil {
		return fmt.Errorf("app: remove session: %w", err)
	}
	s.session = nil
	return nil
}

// SessionUser returns the session identity as a chat/editor user.
func (s *State) SessionUser() (users.User, bool) {
	session, ok := s.Session()
	if !ok || session.User.ID == "" {
		return users.User{}, false
	}
	return users.User{ID: session.User.ID, Username: session.User.Username}, true
}
