package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/askdb/askdb/cmd/askctl/internal/auth"
	"github.com/askdb/askdb/pkg/sdk"
)

var (
	// ErrNotConnected is returned when no connection token is held.
	ErrNotConnected = errors.New("no database connection")
	// ErrSuperseded is returned when a result arrived after the session moved on.
	ErrSuperseded = errors.New("superseded by a later disconnect or logout")
)

// ConnectionClient is the part of the API client a Connection drives.
type ConnectionClient interface {
	Connect(ctx context.Context, spec sdk.HostSpec) (string, error)
}

// Connection answers "is there a live database connection". The connection
// token lives only in the volatile scope of the token store; state is read
// from the store on every call.
type Connection struct {
	store  *auth.TokenStore
	client ConnectionClient
	logger *slog.Logger

	mu    sync.Mutex
	epoch uint64
}

// NewConnection returns a connection session over store.
func NewConnection(store *auth.TokenStore, client ConnectionClient, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Connection{store: store, client: client, logger: logger}
}

// BindIdentity disconnects whenever id loses its identity.
func (c *Connection) BindIdentity(id *Identity) {
	id.OnSignOut(c.Disconnect)
}

// Connect registers spec with the server and stores the returned token. A
// result that arrives after Disconnect is discarded with ErrSuperseded.
func (c *Connection) Connect(ctx context.Context, spec sdk.HostSpec) error {
	epoch := c.Epoch()

	token, err := c.client.Connect(ctx, spec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.logger.Debug("discarding late connection token")
		return ErrSuperseded
	}
	if err := c.store.Put(auth.ScopeConnection, &sdk.Credentials{AccessToken: token, TokenType: "db"}); err != nil {
		return err
	}
	c.epoch++
	c.logger.Debug("connected", "host", spec.Host, "database", spec.Database)
	return nil
}

// Disconnect drops the connection token. It is idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if err := c.store.Clear(auth.ScopeConnection); err != nil {
		c.logger.Warn("failed to clear connection token", "error", err)
	}
}

// Token returns the held connection token.
func (c *Connection) Token() (string, error) {
	creds, err := c.store.Get(auth.ScopeConnection)
	if errors.Is(err, auth.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Connected reports whether a connection token is held.
func (c *Connection) Connected() bool {
	return c.store.Has(auth.ScopeConnection)
}

// Epoch changes whenever a connection token is stored or dropped.
func (c *Connection) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
