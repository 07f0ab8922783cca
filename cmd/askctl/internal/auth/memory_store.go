package auth

import (
	"sync"

	"github.com/askdb/askdb/pkg/sdk"
)

// MemoryStore implements sdk.CredentialStore in process memory. It backs the
// volatile connection scope: its contents end with the process.
type MemoryStore struct {
	mu    sync.Mutex
	creds *sdk.Credentials
}

var _ sdk.CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveCredentials(credentials *sdk.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = credentials.Clone()
	return nil
}

func (s *MemoryStore) LoadCredentials() (*sdk.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNotFound
	}
	return s.creds.Clone(), nil
}

func (s *MemoryStore) DeleteCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
