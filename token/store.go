package token

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// Store abstracts wherever credentials are persisted. Implementations must
// be safe for concurrent use.
type Store interface {
	// Load returns the stored credentials, or (nil, nil) when none exist.
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps credentials in process memory. Useful for tests and for
// shells that hold tokens outside this layer.
type MemoryStore struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

func NewMemoryStore(tok *oauth2.Token) *MemoryStore {
	return &MemoryStore{tok: tok}
}

func (s *MemoryStore) Load(context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return nil, nil
	}
	cp := *s.tok
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tok = &cp
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = nil
	return nil
}
