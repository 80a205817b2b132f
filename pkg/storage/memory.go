package storage

import (
	"sync"

	"golang.org/x/oauth2"
)

// MemoryStore implements CredentialStore in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	access string
	renew  string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadToken implements CredentialStore.LoadToken.
func (m *MemoryStore) LoadToken() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.access == "" || m.renew == "" {
		return nil, ErrStorageNotFound
	}
	return &oauth2.Token{AccessToken: m.access, RefreshToken: m.renew}, nil
}

// StoreToken implements CredentialStore.StoreToken.
func (m *MemoryStore) StoreToken(token *oauth2.Token) error {
	if err := validatePair(token); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.renew = token.AccessToken, token.RefreshToken
	return nil
}

// ClearToken implements CredentialStore.ClearToken.
func (m *MemoryStore) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.renew = "", ""
	return nil
}

// HasToken implements CredentialStore.HasToken.
func (m *MemoryStore) HasToken() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access != "" && m.renew != ""
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (m *MemoryStore) GetStoragePath() string {
	return "memory"
}
