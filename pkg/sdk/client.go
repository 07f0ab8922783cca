package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// API paths served by the askdb backend.
const (
	PathLogin   = "/auth/login"
	PathConnect = "/db/connect"
	PathAsk     = "/query/ask"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client is the single outbound gateway to the askdb API. Each operation is
// one request/response round trip with no retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	bearer     *attachedToken
	logger     *slog.Logger
}

// ClientOptions configures SDK client construction.
type ClientOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ClientOption mutates ClientOptions.
type ClientOption func(*ClientOptions)

// WithHTTPClient overrides the HTTP client used for API calls. Its transport
// is wrapped so the attached bearer token is still applied.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = client
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

// NewClient creates a new askdb SDK client that talks to the API server at baseURL.
func NewClient(baseURL string, optFns ...ClientOption) *Client {
	opts := ClientOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bearer := &attachedToken{}
	httpClient := *base
	httpClient.Transport = &bearerTransport{source: bearer, base: base.Transport}

	return &Client{
		baseURL:    baseURL,
		httpClient: &httpClient,
		bearer:     bearer,
		logger:     opts.Logger,
	}
}

// SetBearerToken attaches token to every subsequent authenticated request.
func (c *Client) SetBearerToken(token string) {
	if token == "" {
		c.bearer.clear()
		return
	}
	c.bearer.set(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// ClearBearerToken detaches the identity credential. Requests sent after this
// returns carry no Authorization header.
func (c *Client) ClearBearerToken() {
	c.bearer.clear()
}

// BearerToken returns the currently attached token, or "" when detached.
func (c *Client) BearerToken() string {
	tok, err := c.bearer.Token()
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

// Login exchanges a username and password for a self-issued identity credential.
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	var resp loginResponse
	body := loginRequest{Username: username, Password: password}
	if err := c.do(withoutBearer(ctx), OpLogin, PathLogin, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &APIError{Op: OpLogin, Kind: ErrInvalidCredentials, Detail: "server returned an empty access token"}
	}

	creds := &Credentials{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Mode:        ModeSelfIssued,
	}
	applyClaimHints(creds)
	return creds, nil
}

// Connect registers a database connection and returns the opaque connection token.
func (c *Client) Connect(ctx context.Context, spec HostSpec) (string, error) {
	var resp connectResponse
	if err := c.do(ctx, OpConnect, PathConnect, spec.Normalize(), &resp); err != nil {
		return "", err
	}
	if resp.DBToken == "" {
		return "", &APIError{Op: OpConnect, Kind: ErrConnectionRejected, Detail: "server returned an empty connection token"}
	}
	return resp.DBToken, nil
}

// Ask submits a natural-language prompt against the connection identified by dbToken.
func (c *Client) Ask(ctx context.Context, dbToken, prompt string) (*QueryResult, error) {
	var resp askResponse
	if err := c.do(ctx, OpAsk, PathAsk, askRequest{DBToken: dbToken, Prompt: prompt}, &resp); err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

func (c *Client) do(ctx context.Context, op, path string, in, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return transportError(op, fmt.Errorf("invalid server URL: %w", err))
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return transportError(op, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return transportError(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "error", err)
		return transportError(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(op, resp.StatusCode, readDetail(resp.Body))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return transportError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// readDetail extracts the server-supplied detail message from an error body.
func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Detail
}

// applyClaimHints fills the expiry hint and subject from a JWT access token.
// The signature is not checked; the values are informational only.
func applyClaimHints(creds *Credentials) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(creds.AccessToken, claims); err != nil {
		return
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		creds.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		creds.Subject = sub
	}
}
