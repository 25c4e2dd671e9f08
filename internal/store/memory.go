package store

import (
	"context"
	"sync"

	"github.com/lusky3/underseerr-sub002/internal/crypto"
)

// Memory is an in-process Store for development deployments and tests.
// Registrations do not survive a restart.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]string
	sealer *crypto.TokenSealer
}

// NewMemory creates an empty in-memory store. sealer may be nil.
func NewMemory(sealer *crypto.TokenSealer) *Memory {
	return &Memory{
		tokens: make(map[string]string),
		sealer: sealer,
	}
}

func (m *Memory) Put(ctx context.Context, key, token string) error {
	sealed, err := m.sealer.Seal(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = sealed
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	sealed, ok := m.tokens[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return m.sealer.Open(sealed)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

// Len reports the number of registered tokens. Used by the health surface
// and tests.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
