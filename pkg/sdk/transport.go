package sdk

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// RequestIDHeader carries a per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

var errNoBearer = errors.New("no bearer token attached")

// attachedToken is the identity credential the client currently sends.
// Reads never block: a request dispatched while a refresh is in flight
// uses whatever token was attached at dispatch time.
type attachedToken struct {
	token atomic.Pointer[oauth2.Token]
}

// Token implements oauth2.TokenSource.
func (a *attachedToken) Token() (*oauth2.Token, error) {
	tok := a.token.Load()
	if tok == nil {
		return nil, errNoBearer
	}
	return tok, nil
}

func (a *attachedToken) set(tok *oauth2.Token) { a.token.Store(tok) }
func (a *attachedToken) clear()                { a.token.Store(nil) }

type anonymousKey struct{}

// withoutBearer marks a request context so the transport skips the bearer header.
func withoutBearer(ctx context.Context) context.Context {
	return context.WithValue(ctx, anonymousKey{}, true)
}

func isAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey{}).(bool)
	return v
}

// bearerTransport stamps every outbound request with a request ID and, unless
// the request is anonymous, the currently attached bearer token.
type bearerTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	if !isAnonymous(req.Context()) {
		if tok, err := t.source.Token(); err == nil {
			tok.SetAuthHeader(req)
		}
	}
	return t.baseTransport().RoundTrip(req)
}

func (t *bearerTransport) baseTransport() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
