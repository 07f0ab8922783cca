package auth

import (
	"errors"
	"fmt"

	"github.com/askdb/askdb/pkg/sdk"
)

// Scope names one of the two credentials the client keeps.
type Scope string

const (
	// ScopeIdentity holds the identity credential. Durable.
	ScopeIdentity Scope = "identity"
	// ScopeConnection holds the database connection token. Volatile.
	ScopeConnection Scope = "connection"
)

// TokenStore is the only component that touches credential storage. Writes
// are visible to the next read immediately; concurrent writers to one scope
// resolve last-writer-wins.
type TokenStore struct {
	durable  sdk.CredentialStore
	volatile sdk.CredentialStore
}

// NewTokenStore pairs a durable backend for identity with a volatile backend
// for connections. The connection token is never written to durable.
func NewTokenStore(durable, volatile sdk.CredentialStore) *TokenStore {
	return &TokenStore{durable: durable, volatile: volatile}
}

func (s *TokenStore) backend(scope Scope) (sdk.CredentialStore, error) {
	switch scope {
	case ScopeIdentity:
		return s.durable, nil
	case ScopeConnection:
		return s.volatile, nil
	default:
		return nil, fmt.Errorf("unknown credential scope %q", scope)
	}
}

// Put stores value under scope, replacing any previous value.
func (s *TokenStore) Put(scope Scope, value *sdk.Credentials) error {
	if value == nil || value.AccessToken == "" {
		return fmt.Errorf("refusing to store an empty %s credential", scope)
	}
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	if err := b.SaveCredentials(value); err != nil {
		return fmt.Errorf("failed to store %s credential: %w", scope, err)
	}
	return nil
}

// Get returns the credential under scope, or ErrNotFound.
func (s *TokenStore) Get(scope Scope) (*sdk.Credentials, error) {
	b, err := s.backend(scope)
	if err != nil {
		return nil, err
	}
	return b.LoadCredentials()
}

// Has reports whether scope currently holds a credential. Unreadable
// storage counts as absent.
func (s *TokenStore) Has(scope Scope) bool {
	_, err := s.Get(scope)
	return err == nil
}

// Clear removes the credential under scope. Clearing an empty scope is not an error.
func (s *TokenStore) Clear(scope Scope) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	if err := b.DeleteCredentials(); err != nil {
		return fmt.Errorf("failed to clear %s credential: %w", scope, err)
	}
	return nil
}

// ClearAll removes both credentials, attempting each even if one fails.
func (s *TokenStore) ClearAll() error {
	return errors.Join(s.Clear(ScopeConnection), s.Clear(ScopeIdentity))
}
