// pkg/sdk/auth.go
package sdk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/client/rp/cli"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// LoginSuccessMetadata contains information about the successful login,
// useful for displaying a confirmation message to the user.
type LoginSuccessMetadata struct {
	// User is the 'sub' claim from the ID token.
	User string
	// Email is the 'email' claim, if present.
	Email string
	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

// OIDCConfig configures a delegated identity provider.
type OIDCConfig struct {
	Issuer   string
	ClientID string
	// ClientSecret is only set for service accounts (client credentials grant).
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client
	// Out receives device-code instructions. Defaults to os.Stdout.
	Out         io.Writer
	OpenBrowser bool
	Logger      *slog.Logger
}

// OIDCSource is an IdentitySource backed by an OpenID Connect provider. Users
// sign in with the device authorization flow (RFC 8628); service accounts use
// client credentials. Fresh tokens come from an oauth2 token source that
// refreshes on demand.
type OIDCSource struct {
	cfg OIDCConfig

	mu           sync.Mutex
	relyingParty rp.RelyingParty
	tokens       oauth2.TokenSource
	principal    *Principal

	notifier principalNotifier
}

var _ IdentitySource = (*OIDCSource)(nil)

// NewOIDCSource returns a signed-out source for the given provider.
func NewOIDCSource(cfg OIDCConfig) *OIDCSource {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail, oidc.ScopeOfflineAccess}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = defaultHTTPClient()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OIDCSource{cfg: cfg}
}

// discover performs OIDC discovery (/.well-known/openid-configuration) once.
func (s *OIDCSource) discover(ctx context.Context) (rp.RelyingParty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relyingParty != nil {
		return s.relyingParty, nil
	}

	relyingParty, err := rp.NewRelyingPartyOIDC(
		ctx,
		s.cfg.Issuer,
		s.cfg.ClientID,
		s.cfg.ClientSecret,
		"", // redirectURI - not used for device or client credentials flows
		s.cfg.Scopes,
		rp.WithHTTPClient(s.cfg.HTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider at %s: %w", s.cfg.Issuer, err)
	}
	s.relyingParty = relyingParty
	return relyingParty, nil
}

// tokenContext carries the HTTP client for background refreshes. It outlives
// the request context that triggered sign-in.
func (s *OIDCSource) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, s.cfg.HTTPClient)
}

// SignIn runs the device authorization flow and reports the resulting principal.
func (s *OIDCSource) SignIn(ctx context.Context) (*LoginSuccessMetadata, error) {
	relyingParty, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}

	authResponse, err := rp.DeviceAuthorization(ctx, s.cfg.Scopes, relyingParty, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start device authorization flow: %w", err)
	}

	printDeviceCodeInstructions(s.cfg.Out, authResponse)

	if s.cfg.OpenBrowser && authResponse.VerificationURIComplete != "" {
		cli.OpenBrowser(authResponse.VerificationURIComplete)
		s.cfg.Logger.Debug("attempted to open browser", "url", authResponse.VerificationURI)
	}

	interval := time.Duration(authResponse.Interval) * time.Second
	if interval == 0 {
		interval = 5 * time.Second
	}

	token, err := rp.DeviceAccessToken(ctx, authResponse.DeviceCode, interval, relyingParty)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w\n\nThis usually means:\n  - User denied the request\n  - Authorization expired (timeout)\n  - Network connectivity issues", err)
	}

	var idTokenClaims *oidc.IDTokenClaims
	if token.IDToken != "" {
		claims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, token.IDToken, relyingParty.IDTokenVerifier())
		if err != nil {
			s.cfg.Logger.Warn("failed to verify ID token", "error", err)
		} else {
			idTokenClaims = claims
		}
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	initial := &oauth2.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       expiresAt,
	}

	metadata := &LoginSuccessMetadata{ExpiresAt: expiresAt}
	principal := &Principal{}
	if idTokenClaims != nil {
		metadata.User = idTokenClaims.Subject
		metadata.Email = idTokenClaims.Email
		principal.Subject = idTokenClaims.Subject
		principal.Email = idTokenClaims.Email
	}

	tctx := s.tokenContext(ctx)
	s.setSignedIn(principal, oauth2.ReuseTokenSource(initial, relyingParty.OAuthConfig().TokenSource(tctx, initial)))
	return metadata, nil
}

// SignInServiceAccount authenticates with the client credentials grant.
// The token source re-runs the grant whenever the token expires.
func (s *OIDCSource) SignInServiceAccount(ctx context.Context) error {
	relyingParty, err := s.discover(ctx)
	if err != nil {
		return err
	}

	ccConfig := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     relyingParty.OAuthConfig().Endpoint.TokenURL,
		Scopes:       []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail},
	}

	tokens := ccConfig.TokenSource(s.tokenContext(ctx))
	// Fail the sign-in itself rather than the first refresh.
	if _, err := tokens.Token(); err != nil {
		return fmt.Errorf("failed to exchange client credentials for token: %w", err)
	}

	s.setSignedIn(&Principal{Subject: "sa:" + s.cfg.ClientID}, tokens)
	return nil
}

// Restore resumes a previously persisted delegated session. The stored
// refresh token is used the next time a fresh token is requested.
func (s *OIDCSource) Restore(ctx context.Context, creds *Credentials) error {
	if creds == nil || creds.Mode != ModeDelegated {
		return fmt.Errorf("credentials were not issued by a delegated provider")
	}
	relyingParty, err := s.discover(ctx)
	if err != nil {
		return err
	}

	initial := creds.OAuth2Token()
	tctx := s.tokenContext(ctx)
	s.setSignedIn(&Principal{Subject: creds.Subject}, oauth2.ReuseTokenSource(initial, relyingParty.OAuthConfig().TokenSource(tctx, initial)))
	return nil
}

// SignOut forgets the provider session and reports the principal as signed out.
func (s *OIDCSource) SignOut() {
	s.mu.Lock()
	wasSignedIn := s.principal != nil
	s.principal = nil
	s.tokens = nil
	s.mu.Unlock()

	if wasSignedIn {
		s.notifier.notify(nil)
	}
}

func (s *OIDCSource) setSignedIn(p *Principal, tokens oauth2.TokenSource) {
	s.mu.Lock()
	s.principal = p
	s.tokens = tokens
	s.mu.Unlock()

	cp := *p
	s.notifier.notify(&cp)
}

func (s *OIDCSource) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return nil, nil
	}
	p := *s.principal
	return &p, nil
}

// FreshToken returns a valid token, refreshing through the provider when the
// current one has expired. Any failure matches ErrRefreshFailure.
func (s *OIDCSource) FreshToken(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	tokens := s.tokens
	var subject string
	if s.principal != nil {
		subject = s.principal.Subject
	}
	s.mu.Unlock()

	if tokens == nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailure, errSignedOut)
	}

	tok, err := tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailure, err)
	}

	return &Credentials{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		Mode:         ModeDelegated,
		ExpiresAt:    tok.Expiry,
		RefreshToken: tok.RefreshToken,
		Subject:      subject,
	}, nil
}

func (s *OIDCSource) Subscribe(fn func(*Principal)) func() {
	return s.notifier.subscribe(fn)
}

// --- Helper Functions ---

// defaultHTTPClient returns an HTTP client with reasonable timeout for OIDC operations.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// printDeviceCodeInstructions displays the device code and verification URL to the user.
func printDeviceCodeInstructions(w io.Writer, authResponse *oidc.DeviceAuthorizationResponse) {
	fmt.Fprintln(w, "============================================================")
	fmt.Fprintf(w, "Your user code is: %s\n", authResponse.UserCode)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Please visit the following URL in your browser to authorize this device:")
	fmt.Fprintf(w, "  %s\n", authResponse.VerificationURI)
	fmt.Fprintln(w, "")
	if authResponse.VerificationURIComplete != "" {
		fmt.Fprintln(w, "Or use this direct link (includes code):")
		fmt.Fprintf(w, "  %s\n", authResponse.VerificationURIComplete)
	}
	fmt.Fprintln(w, "============================================================")
	fmt.Fprintln(w, "Waiting for authorization...")
	fmt.Fprintln(w, "")
}

// EnvCreds holds service account credentials read from the environment.
type EnvCreds struct {
	ClientID     string
	ClientSecret string
}

// CheckEnvCreds reports whether ASKDB_CLIENT_ID and ASKDB_CLIENT_SECRET are both set.
func CheckEnvCreds() (bool, EnvCreds) {
	hasEnvCreds := os.Getenv("ASKDB_CLIENT_ID") != "" &&
		os.Getenv("ASKDB_CLIENT_SECRET") != ""
	creds := EnvCreds{
		ClientID:     os.Getenv("ASKDB_CLIENT_ID"),
		ClientSecret: os.Getenv("ASKDB_CLIENT_SECRET"),
	}
	return hasEnvCreds, creds
}
