package credstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It backs tests and single-context runtimes
// that have no durable storage available.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

func (m *Memory) SetTokens(_ context.Context, t Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[KeyToken] = t.AccessToken
	m.values[KeyRefreshToken] = t.RefreshToken
	m.values[KeyTokenExpiresAt] = encodeExpiry(t.ExpiresAt)
	return nil
}

func (m *Memory) Tokens(_ context.Context) (Tokens, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Tokens{
		AccessToken:  m.values[KeyToken],
		RefreshToken: m.values[KeyRefreshToken],
		ExpiresAt:    decodeExpiry(m.values[KeyTokenExpiresAt]),
	}, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values = make(map[string]string)
	return nil
}
