package store

import (
	"context"
	"sync"

	"b2c-session/internal/domain"
)

// DefaultSessionKey is the single slot a client persists its credential under
const DefaultSessionKey = "b2c_session"

// TokenStore persists one credential record across restarts.
// Load returns (nil, nil) when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context) (*domain.Credential, error)
	Save(ctx context.Context, cred *domain.Credential) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the record in process memory. It does not survive a
// restart and is used when no durable store is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	cred *domain.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, cred *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred.Clone()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
