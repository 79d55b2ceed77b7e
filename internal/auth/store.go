package auth

import (
	"context"
	"sync"
	"time"
)

// AccountStore persists accounts. Every method is a single atomic write or
// read keyed by username, token or id.
type AccountStore interface {
	// Create fails with ErrUsernameTaken when the username exists.
	Create(ctx context.Context, account Account) error
	FindByUsername(ctx context.Context, username string) (Account, error)
	FindByToken(ctx context.Context, token string) (Account, error)
	// SaveProfile writes only the non-nil fields of ch plus updated_at and
	// returns the account as stored afterwards. It never changes the session
	// token.
	SaveProfile(ctx context.Context, id string, ch ProfileChanges) (Account, error)
	// SetSessionToken replaces the account's token; "" clears it.
	SetSessionToken(ctx context.Context, id, token string, at time.Time) error
}

type InMemoryAccountStore struct {
	mu        sync.RWMutex
	byID      map[string]Account
	idByName  map[string]string
	idByToken map[string]string
}

func NewInMemoryAccountStore() *InMemoryAccountStore {
	return &InMemoryAccountStore{
		byID:      make(map[string]Account),
		idByName:  make(map[string]string),
		idByToken: make(map[string]string),
	}
}

func (s *InMemoryAccountStore) Create(_ context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idByName[account.Username]; ok {
		return ErrUsernameTaken
	}
	if account.SessionToken != "" {
		if _, ok := s.idByToken[account.SessionToken]; ok {
			return ErrTokenCollision
		}
		s.idByToken[account.SessionToken] = account.ID
	}
	s.byID[account.ID] = account
	s.idByName[account.Username] = account.ID
	return nil
}

func (s *InMemoryAccountStore) FindByUsername(_ context.Context, username string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idByName[username]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.byID[id], nil
}

func (s *InMemoryAccountStore) FindByToken(_ context.Context, token string) (Account, error) {
	if token == "" {
		return Account{}, ErrAccountNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idByToken[token]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.byID[id], nil
}

func (s *InMemoryAccountStore) SaveProfile(_ context.Context, id string, ch ProfileChanges) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if ch.CredentialHash != nil {
		existing.CredentialHash = *ch.CredentialHash
	}
	if ch.DisplayName != nil {
		existing.DisplayName = *ch.DisplayName
	}
	existing.UpdatedAt = ch.UpdatedAt
	s.byID[id] = existing
	return existing, nil
}

func (s *InMemoryAccountStore) SetSessionToken(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	if token != "" {
		if owner, taken := s.idByToken[token]; taken && owner != id {
			return ErrTokenCollision
		}
	}
	if existing.SessionToken != "" {
		delete(s.idByToken, existing.SessionToken)
	}
	if token != "" {
		s.idByToken[token] = id
	}
	existing.SessionToken = token
	existing.UpdatedAt = at
	s.byID[id] = existing
	return nil
}
