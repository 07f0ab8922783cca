package sdk

import (
	"context"
	"errors"
	"sync"
)

// Principal is the signed-in user an identity source reports.
type Principal struct {
	Subject string
	Email   string
}

// IdentitySource is a delegated identity provider. It reports principal
// changes to subscribers and hands out fresh bearer credentials on demand.
type IdentitySource interface {
	// CurrentPrincipal returns the signed-in principal, or nil when signed out.
	CurrentPrincipal(ctx context.Context) (*Principal, error)
	// FreshToken returns a valid bearer credential for the current principal.
	FreshToken(ctx context.Context) (*Credentials, error)
	// Subscribe registers fn to be called whenever the reported principal
	// changes. nil means signed out. The returned func unsubscribes.
	Subscribe(fn func(*Principal)) (cancel func())
}

// principalNotifier fans principal changes out to subscribers.
type principalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(*Principal)
}

func (n *principalNotifier) subscribe(fn func(*Principal)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(*Principal))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// notify calls subscribers outside the lock so they may call back into the source.
func (n *principalNotifier) notify(p *Principal) {
	n.mu.Lock()
	fns := make([]func(*Principal), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

var errSignedOut = errors.New("no principal signed in")

// StaticSource is an identity source backed by a fixed bearer token, used
// for injected tokens (CI, scripts) and tests.
type StaticSource struct {
	mu        sync.Mutex
	principal *Principal
	creds     *Credentials
	notifier  principalNotifier
}

var _ IdentitySource = (*StaticSource)(nil)

// NewStaticSource returns a signed-out static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// SignIn reports p as signed in with token as its credential.
func (s *StaticSource) SignIn(p Principal, token string) {
	s.mu.Lock()
	s.principal = &p
	s.creds = &Credentials{AccessToken: token, TokenType: "Bearer", Mode: ModeDelegated, Subject: p.Subject}
	s.mu.Unlock()
	s.notifier.notify(&p)
}

// SignOut reports the principal as signed out.
func (s *StaticSource) SignOut() {
	s.mu.Lock()
	s.principal = nil
	s.creds = nil
	s.mu.Unlock()
	s.notifier.notify(nil)
}

func (s *StaticSource) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return nil, nil
	}
	p := *s.principal
	return &p, nil
}

func (s *StaticSource) FreshToken(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, errSignedOut
	}
	return s.creds.Clone(), nil
}

func (s *StaticSource) Subscribe(fn func(*Principal)) func() {
	return s.notifier.subscribe(fn)
}
