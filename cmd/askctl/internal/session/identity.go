package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/auth"
	"github.com/askdb/askdb/pkg/sdk"
	"golang.org/x/sync/singleflight"
)

// ErrNotAuthenticated is returned when an operation needs an identity and there is none.
var ErrNotAuthenticated = errors.New("not logged in")

const refreshKey = "fresh-token"

// IdentityState is the lifecycle state of an Identity.
type IdentityState int

const (
	Anonymous IdentityState = iota
	Authenticating
	Authenticated
)

func (s IdentityState) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("IdentityState(%d)", int(s))
	}
}

// IdentityClient is the part of the API client an Identity drives.
type IdentityClient interface {
	Login(ctx context.Context, username, password string) (*sdk.Credentials, error)
	SetBearerToken(token string)
	ClearBearerToken()
}

// Identity answers "is this process a recognized user". It owns the identity
// credential: it persists it in the token store and attaches it to the API
// client. Credentials are either self-issued (Login) or delegated to an
// sdk.IdentitySource (Delegate).
type Identity struct {
	store  *auth.TokenStore
	client IdentityClient
	logger *slog.Logger

	refreshTimeout time.Duration
	refresh        singleflight.Group

	mu          sync.Mutex
	state       IdentityState
	creds       *sdk.Credentials
	epoch       uint64
	lastErr     error
	source      sdk.IdentitySource
	unsubscribe func()
	onSignOut   []func()
}

// IdentityOption configures an Identity.
type IdentityOption func(*Identity)

// WithIdentityLogger sets the diagnostics logger.
func WithIdentityLogger(logger *slog.Logger) IdentityOption {
	return func(s *Identity) { s.logger = logger }
}

// WithRefreshTimeout bounds delegated token fetches triggered by the provider.
func WithRefreshTimeout(d time.Duration) IdentityOption {
	return func(s *Identity) { s.refreshTimeout = d }
}

// NewIdentity returns an Anonymous identity session.
func NewIdentity(store *auth.TokenStore, client IdentityClient, opts ...IdentityOption) *Identity {
	s := &Identity{
		store:          store,
		client:         client,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		refreshTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnSignOut registers fn to run synchronously whenever the identity is lost,
// by logout, provider sign-out or refresh failure.
func (s *Identity) OnSignOut(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignOut = append(s.onSignOut, fn)
}

// State returns the current lifecycle state.
func (s *Identity) State() IdentityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether a credential is attached.
func (s *Identity) Authenticated() bool {
	return s.State() == Authenticated
}

// Credentials returns a copy of the current credential, or nil.
func (s *Identity) Credentials() *sdk.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Clone()
}

// Epoch increases every time the identity is lost. Work started under one
// epoch must not be applied under another.
func (s *Identity) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// LastError returns why the identity was last lost, if it was not a plain logout.
func (s *Identity) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Resume restores a self-issued credential persisted by an earlier process.
// No expiry check is made; the server decides. Delegated credentials are
// resumed by the provider (see Delegate) and are left alone here.
func (s *Identity) Resume() error {
	creds, err := s.store.Get(auth.ScopeIdentity)
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load stored identity: %w", err)
	}
	if creds.Mode == sdk.ModeDelegated {
		return nil
	}

	s.mu.Lock()
	s.creds = creds
	s.state = Authenticated
	s.client.SetBearerToken(creds.AccessToken)
	s.mu.Unlock()

	s.logger.Debug("resumed identity", "mode", creds.Mode, "subject", creds.Subject)
	return nil
}

// StoredCredentials returns the persisted identity credential without attaching it.
func (s *Identity) StoredCredentials() (*sdk.Credentials, error) {
	return s.store.Get(auth.ScopeIdentity)
}

// Login exchanges username and password for a self-issued credential.
func (s *Identity) Login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	epoch := s.epoch
	prev := s.state
	s.state = Authenticating
	s.mu.Unlock()

	creds, err := s.client.Login(ctx, username, password)
	if err != nil {
		s.mu.Lock()
		if s.epoch == epoch && s.state == Authenticating {
			s.state = prev
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrSuperseded
	}
	if err := s.store.Put(auth.ScopeIdentity, creds); err != nil {
		s.state = prev
		return err
	}
	s.creds = creds
	s.state = Authenticated
	s.lastErr = nil
	s.client.SetBearerToken(creds.AccessToken)
	s.logger.Debug("logged in", "mode", creds.Mode, "subject", creds.Subject)
	return nil
}

// Logout detaches the credential before returning, then clears the identity
// and connection credentials. Requests issued after Logout returns are sent
// without the old bearer token. A delegated source stays subscribed, so a
// later sign-in through it authenticates again.
func (s *Identity) Logout() error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	err := s.signOut(nil)
	if signOuter, ok := src.(interface{ SignOut() }); ok {
		signOuter.SignOut()
	}
	return err
}

// Delegate hands identity to src. Every principal src reports triggers a
// fresh-token fetch; a signed-out report or a failed fetch fails closed.
func (s *Identity) Delegate(src sdk.IdentitySource) {
	s.detachSource()

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	unsubscribe := src.Subscribe(func(p *sdk.Principal) {
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()
		if err := s.HandlePrincipal(ctx, p); err != nil {
			s.logger.Warn("delegated identity lost", "error", err)
		}
	})

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

func (s *Identity) detachSource() sdk.IdentitySource {
	s.mu.Lock()
	src, unsubscribe := s.source, s.unsubscribe
	s.source, s.unsubscribe = nil, nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return src
}

// Sync asks the delegated source for its current principal and applies it.
// It is a no-op in self-issued mode.
func (s *Identity) Sync(ctx context.Context) error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return nil
	}
	p, err := src.CurrentPrincipal(ctx)
	if err != nil {
		return s.signOut(fmt.Errorf("%w: %w", sdk.ErrRefreshFailure, err))
	}
	return s.HandlePrincipal(ctx, p)
}

// HandlePrincipal applies a principal reported by the delegated source.
func (s *Identity) HandlePrincipal(ctx context.Context, p *sdk.Principal) error {
	if p == nil {
		if s.State() == Anonymous {
			return nil
		}
		return s.signOut(nil)
	}

	s.mu.Lock()
	src := s.source
	epoch := s.epoch
	if s.state == Anonymous {
		s.state = Authenticating
	}
	s.mu.Unlock()

	if src == nil {
		return s.signOut(fmt.Errorf("%w: no identity provider configured", sdk.ErrRefreshFailure))
	}

	// Concurrent reports share one fetch. Until it completes, requests keep
	// using the previously attached token.
	v, err, _ := s.refresh.Do(refreshKey, func() (any, error) {
		return src.FreshToken(ctx)
	})
	if err != nil {
		if !errors.Is(err, sdk.ErrRefreshFailure) {
			err = fmt.Errorf("%w: %w", sdk.ErrRefreshFailure, err)
		}
		return s.signOut(err)
	}
	fresh, _ := v.(*sdk.Credentials)
	if fresh == nil || fresh.AccessToken == "" {
		return s.signOut(fmt.Errorf("%w: identity provider returned no token", sdk.ErrRefreshFailure))
	}
	creds := fresh.Clone()
	creds.Mode = sdk.ModeDelegated
	if creds.Subject == "" {
		creds.Subject = p.Subject
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		// Logged out while the fetch was in flight.
		return nil
	}
	if err := s.store.Put(auth.ScopeIdentity, creds); err != nil {
		s.logger.Warn("failed to persist delegated identity", "error", err)
	}
	s.creds = creds
	s.state = Authenticated
	s.lastErr = nil
	s.client.SetBearerToken(creds.AccessToken)
	s.logger.Debug("delegated token attached", "subject", creds.Subject)
	return nil
}

// signOut performs the Authenticated -> Anonymous transition. cause is
// recorded and returned when the loss was not user-initiated.
func (s *Identity) signOut(cause error) error {
	s.mu.Lock()
	s.client.ClearBearerToken()
	s.creds = nil
	s.state = Anonymous
	s.epoch++
	s.lastErr = cause
	// A fetch started before this point must not be shared with later callers.
	s.refresh.Forget(refreshKey)
	hooks := append([]func(){}, s.onSignOut...)
	s.mu.Unlock()

	// Hooks run outside the lock; they may read identity state.
	for _, fn := range hooks {
		fn()
	}
	if err := s.store.ClearAll(); err != nil {
		s.logger.Warn("failed to clear credentials", "error", err)
		if cause == nil {
			return err
		}
	}
	return cause
}
