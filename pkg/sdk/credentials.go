package sdk

import (
	"time"

	"golang.org/x/oauth2"
)

// IdentityMode records how an identity credential was issued.
type IdentityMode string

const (
	// ModeSelfIssued credentials come from a username/password exchange with the API.
	ModeSelfIssued IdentityMode = "self-issued"
	// ModeDelegated credentials come from an external identity provider.
	ModeDelegated IdentityMode = "delegated"
)

// Credentials represents an opaque bearer credential plus what the client knows about it.
type Credentials struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	Mode         IdentityMode `json:"mode,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty"` // hint only, never enforced client-side
	RefreshToken string       `json:"refresh_token,omitempty"`
	Subject      string       `json:"subject,omitempty"`
}

// HasExpiryHint reports whether the issuer told us when the token expires.
func (c *Credentials) HasExpiryHint() bool {
	return !c.ExpiresAt.IsZero()
}

// IsExpired reports whether the expiry hint is in the past. Credentials
// without a hint never report as expired.
func (c *Credentials) IsExpired() bool {
	return c.HasExpiryHint() && time.Now().After(c.ExpiresAt)
}

// OAuth2Token converts the credentials into an oauth2 token.
func (c *Credentials) OAuth2Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    tokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

// Clone returns a copy that can be handed out without sharing mutable state.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// CredentialStore persists a single credential.
type CredentialStore interface {
	SaveCredentials(credentials *Credentials) error
	LoadCredentials() (*Credentials, error)
	DeleteCredentials() error
}
