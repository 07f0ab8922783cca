package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/auth"
	"github.com/askdb/askdb/cmd/askctl/internal/guard"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	bearer   string
	loginErr error
	dbToken  string
	connect  func(ctx context.Context) (string, error)
}

func (f *fakeClient) Login(ctx context.Context, username, password string) (*sdk.Credentials, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &sdk.Credentials{AccessToken: "id-" + username, TokenType: "bearer", Mode: sdk.ModeSelfIssued}, nil
}

func (f *fakeClient) SetBearerToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bearer = token
}

func (f *fakeClient) ClearBearerToken() { f.SetBearerToken("") }

func (f *fakeClient) Bearer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bearer
}

func (f *fakeClient) Connect(ctx context.Context, spec sdk.HostSpec) (string, error) {
	if f.connect != nil {
		return f.connect(ctx)
	}
	return f.dbToken, nil
}

// emptySource reports a principal but hands out no credential.
type emptySource struct {
	sdk.StaticSource
}

func (e *emptySource) FreshToken(ctx context.Context) (*sdk.Credentials, error) {
	return nil, nil
}

// blockingSource hands out tokens only after release is closed.
type blockingSource struct {
	sdk.StaticSource
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (b *blockingSource) FreshToken(ctx context.Context) (*sdk.Credentials, error) {
	b.calls.Add(1)
	<-b.release
	if b.err != nil {
		return nil, b.err
	}
	return &sdk.Credentials{AccessToken: "fresh", TokenType: "Bearer"}, nil
}

type fixture struct {
	store   *auth.TokenStore
	client  *fakeClient
	id      *Identity
	conn    *Connection
	durable *auth.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	durable := auth.NewMemoryStore()
	store := auth.NewTokenStore(durable, auth.NewMemoryStore())
	client := &fakeClient{dbToken: "T"}
	id := NewIdentity(store, client)
	conn := NewConnection(store, client, nil)
	conn.BindIdentity(id)
	return &fixture{store: store, client: client, id: id, conn: conn, durable: durable}
}

func TestLoginConnectLogoutClearsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.id.Login(ctx, "alice", "pw"))
	assert.Equal(t, Authenticated, f.id.State())
	assert.Equal(t, "id-alice", f.client.Bearer())

	require.NoError(t, f.conn.Connect(ctx, sdk.HostSpec{Host: "db", Port: 3306, User: "u", Database: "shop"}))
	tok, err := f.conn.Token()
	require.NoError(t, err)
	assert.Equal(t, "T", tok)

	require.NoError(t, f.id.Logout())
	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	assert.False(t, f.store.Has(auth.ScopeIdentity))
	assert.False(t, f.store.Has(auth.ScopeConnection))
	assert.False(t, f.conn.Connected())
	assert.NoError(t, f.id.LastError())

	_, err = f.conn.Token()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoginFailureLeavesAnonymous(t *testing.T) {
	f := newFixture(t)
	f.client.loginErr = &sdk.APIError{Op: sdk.OpLogin, StatusCode: 401, Detail: "Incorrect username or password", Kind: sdk.ErrInvalidCredentials}

	err := f.id.Login(context.Background(), "alice", "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdk.ErrInvalidCredentials)
	assert.Equal(t, Anonymous, f.id.State())
	assert.False(t, f.store.Has(auth.ScopeIdentity))
	assert.Empty(t, f.client.Bearer())
}

func TestResumeSelfIssued(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.durable.SaveCredentials(&sdk.Credentials{AccessToken: "stored", Mode: sdk.ModeSelfIssued}))

	require.NoError(t, f.id.Resume())
	assert.True(t, f.id.Authenticated())
	assert.Equal(t, "stored", f.client.Bearer())
}

func TestResumeLeavesDelegatedToProvider(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.durable.SaveCredentials(&sdk.Credentials{AccessToken: "stored", Mode: sdk.ModeDelegated}))

	require.NoError(t, f.id.Resume())
	assert.False(t, f.id.Authenticated())
	assert.Empty(t, f.client.Bearer())
}

func TestResumeWithNothingStored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.id.Resume())
	assert.Equal(t, Anonymous, f.id.State())
}

func TestDelegatedSignInAndOut(t *testing.T) {
	f := newFixture(t)
	src := sdk.NewStaticSource()
	f.id.Delegate(src)

	src.SignIn(sdk.Principal{Subject: "user-1"}, "delegated-token")
	require.True(t, f.id.Authenticated())
	assert.Equal(t, "delegated-token", f.client.Bearer())
	creds := f.id.Credentials()
	require.NotNil(t, creds)
	assert.Equal(t, sdk.ModeDelegated, creds.Mode)
	assert.Equal(t, "user-1", creds.Subject)

	require.NoError(t, f.conn.Connect(context.Background(), sdk.HostSpec{Host: "db"}))

	src.SignOut()
	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	assert.False(t, f.conn.Connected())
	assert.False(t, f.store.Has(auth.ScopeIdentity))
}

func TestRefreshFailureClearsBothSessions(t *testing.T) {
	f := newFixture(t)
	src := &blockingSource{release: make(chan struct{}), err: errors.New("refresh token revoked")}
	close(src.release)
	f.id.Delegate(src)

	// Start from a working delegated session.
	f.client.SetBearerToken("old")
	require.NoError(t, f.store.Put(auth.ScopeIdentity, &sdk.Credentials{AccessToken: "old", Mode: sdk.ModeDelegated}))
	require.NoError(t, f.conn.Connect(context.Background(), sdk.HostSpec{Host: "db"}))

	err := f.id.HandlePrincipal(context.Background(), &sdk.Principal{Subject: "user-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdk.ErrRefreshFailure)
	assert.ErrorIs(t, f.id.LastError(), sdk.ErrRefreshFailure)

	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	assert.False(t, f.store.Has(auth.ScopeIdentity))
	assert.False(t, f.conn.Connected())

	g := guard.New(f.id, f.conn)
	assert.Equal(t, guard.RedirectLogin, g.Check(guard.Query))
	dest, out := g.Resolve(guard.Query)
	assert.Equal(t, guard.Login, dest)
	assert.Equal(t, guard.Allow, out)
}

func TestDelegatedSignInAgainAfterLogout(t *testing.T) {
	f := newFixture(t)
	src := sdk.NewStaticSource()
	f.id.Delegate(src)

	src.SignIn(sdk.Principal{Subject: "user-1"}, "tok-1")
	require.True(t, f.id.Authenticated())

	require.NoError(t, f.id.Logout())
	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	p, err := src.CurrentPrincipal(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)

	src.SignIn(sdk.Principal{Subject: "user-1"}, "tok-2")
	assert.True(t, f.id.Authenticated())
	assert.Equal(t, "tok-2", f.client.Bearer())
	require.NoError(t, f.id.Sync(context.Background()))
	assert.Equal(t, "tok-2", f.client.Bearer())
}

func TestEmptyFreshTokenFailsClosed(t *testing.T) {
	f := newFixture(t)
	src := &emptySource{}
	f.id.Delegate(src)
	f.client.SetBearerToken("old")
	require.NoError(t, f.conn.Connect(context.Background(), sdk.HostSpec{Host: "db"}))

	err := f.id.HandlePrincipal(context.Background(), &sdk.Principal{Subject: "user-1"})
	assert.ErrorIs(t, err, sdk.ErrRefreshFailure)
	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	assert.False(t, f.conn.Connected())
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	f := newFixture(t)
	src := &blockingSource{release: make(chan struct{})}
	f.id.Delegate(src)
	f.client.SetBearerToken("old")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.id.HandlePrincipal(context.Background(), &sdk.Principal{Subject: "user-1"}))
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	// Requests dispatched mid-refresh keep using the previous token.
	assert.Equal(t, "old", f.client.Bearer())

	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, "fresh", f.client.Bearer())
	assert.True(t, f.id.Authenticated())
}

func TestLogoutDuringRefreshDiscardsResult(t *testing.T) {
	f := newFixture(t)
	src := &blockingSource{release: make(chan struct{})}
	f.id.Delegate(src)

	done := make(chan error, 1)
	go func() {
		done <- f.id.HandlePrincipal(context.Background(), &sdk.Principal{Subject: "user-1"})
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.id.Logout())
	close(src.release)
	require.NoError(t, <-done)

	assert.Equal(t, Anonymous, f.id.State())
	assert.Empty(t, f.client.Bearer())
	assert.False(t, f.store.Has(auth.ScopeIdentity))
}

func TestLateConnectIsDiscarded(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.client.connect = func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "late", nil
	}

	done := make(chan error, 1)
	go func() { done <- f.conn.Connect(context.Background(), sdk.HostSpec{Host: "db"}) }()
	<-started
	f.conn.Disconnect()
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.False(t, f.conn.Connected())
}

func TestConnectFailureKeepsPreviousToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background(), sdk.HostSpec{Host: "db"}))

	rejected := &sdk.APIError{Op: sdk.OpConnect, StatusCode: 400, Detail: "Failed to connect. Check credentials.", Kind: sdk.ErrConnectionRejected}
	f.client.connect = func(ctx context.Context) (string, error) { return "", rejected }

	err := f.conn.Connect(context.Background(), sdk.HostSpec{Host: "other"})
	assert.ErrorIs(t, err, sdk.ErrConnectionRejected)
	tok, err := f.conn.Token()
	require.NoError(t, err)
	assert.Equal(t, "T", tok)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.conn.Disconnect()
	f.conn.Disconnect()
	assert.False(t, f.conn.Connected())
}
