package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/auth"
	"github.com/askdb/askdb/cmd/askctl/internal/guard"
	"github.com/askdb/askdb/cmd/askctl/internal/session"
	"github.com/askdb/askdb/pkg/sdk"
)

// Options configures a Provider.
type Options struct {
	ServerURL string
	// ConfigDir holds the durable credential file. Empty means ~/.askdb.
	ConfigDir string
	Timeout   time.Duration
	Logger    *slog.Logger
	// OIDC enables delegated identity when Issuer is set.
	OIDC sdk.OIDCConfig
	// HTTPClient overrides the base HTTP client (tests).
	HTTPClient *http.Client
}

// Runtime is everything one askctl process needs to talk to the API.
type Runtime struct {
	Client     *sdk.Client
	Store      *auth.TokenStore
	Identity   *session.Identity
	Connection *session.Connection
	Guard      *guard.Guard
	// OIDC is nil unless delegated identity is configured.
	OIDC *sdk.OIDCSource
	// CredentialsPath is empty when the identity is not persisted.
	CredentialsPath string
	// TokenInjected is set when the identity came from --token or ASKDB_TOKEN.
	// The credential file is neither read nor written in that case.
	TokenInjected bool
}

// Provider lazily builds the process Runtime.
type Provider struct {
	opts        Options
	bearerToken string // ephemeral token that bypasses the credential file (CI, testing)

	runtimeOnce sync.Once
	runtime     *Runtime
	runtimeErr  error
}

// NewProvider constructs a new Provider.
func NewProvider(opts Options) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{opts: opts}
}

// SetBearerToken injects an ephemeral bearer token (bypasses the credential file).
func (p *Provider) SetBearerToken(token string) {
	p.bearerToken = token
}

// OIDCEnabled reports whether delegated identity is configured.
func (p *Provider) OIDCEnabled() bool {
	return p.opts.OIDC.Issuer != "" && p.bearerToken == ""
}

// Runtime builds the client, token store and sessions once, then restores
// any identity left by an earlier process.
func (p *Provider) Runtime(ctx context.Context) (*Runtime, error) {
	p.runtimeOnce.Do(func() {
		p.runtime, p.runtimeErr = p.build(ctx)
	})
	return p.runtime, p.runtimeErr
}

// SDKClient returns the shared API client.
func (p *Provider) SDKClient(ctx context.Context) (*sdk.Client, error) {
	rt, err := p.Runtime(ctx)
	if err != nil {
		return nil, err
	}
	return rt.Client, nil
}

func (p *Provider) build(ctx context.Context) (*Runtime, error) {
	logger := p.opts.Logger

	httpClient := p.opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := *httpClient
	base.Timeout = p.opts.Timeout
	client := sdk.NewClient(p.opts.ServerURL, sdk.WithHTTPClient(&base), sdk.WithLogger(logger))

	rt := &Runtime{Client: client}

	var durable sdk.CredentialStore
	if p.bearerToken != "" {
		durable = auth.NewMemoryStore()
		rt.TokenInjected = true
	} else {
		fileStore, err := auth.NewFileStore(p.opts.ConfigDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential store: %w", err)
		}
		durable = fileStore
		rt.CredentialsPath = fileStore.Path()
	}
	rt.Store = auth.NewTokenStore(durable, auth.NewMemoryStore())

	rt.Identity = session.NewIdentity(rt.Store, client,
		session.WithIdentityLogger(logger),
		session.WithRefreshTimeout(p.opts.Timeout),
	)
	rt.Connection = session.NewConnection(rt.Store, client, logger)
	rt.Connection.BindIdentity(rt.Identity)
	rt.Guard = guard.New(rt.Identity, rt.Connection)

	switch {
	case p.bearerToken != "":
		src := sdk.NewStaticSource()
		rt.Identity.Delegate(src)
		src.SignIn(sdk.Principal{Subject: "token"}, p.bearerToken)

	case p.OIDCEnabled():
		cfg := p.opts.OIDC
		cfg.Logger = logger
		rt.OIDC = sdk.NewOIDCSource(cfg)
		rt.Identity.Delegate(rt.OIDC)
		p.restoreDelegated(ctx, rt)

	default:
		if err := rt.Identity.Resume(); err != nil {
			logger.Warn("ignoring stored identity", "error", err)
		}
	}

	return rt, nil
}

// restoreDelegated resumes a provider session from a stored refresh token.
// Failure leaves the process anonymous.
func (p *Provider) restoreDelegated(ctx context.Context, rt *Runtime) {
	creds, err := rt.Identity.StoredCredentials()
	if errors.Is(err, auth.ErrNotFound) {
		return
	}
	if err != nil || creds.Mode != sdk.ModeDelegated {
		return
	}

	ctx, cancel := ensureTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rt.OIDC.Restore(ctx, creds); err != nil {
		p.opts.Logger.Warn("failed to restore delegated identity", "error", err)
	}
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}
