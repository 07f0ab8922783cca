// Package query runs natural-language prompts against the connected database
// and renders the results.
package query

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/askdb/askdb/cmd/askctl/internal/session"
	"github.com/askdb/askdb/pkg/sdk"
)

var (
	// ErrBusy is returned when a prompt is submitted while another is pending.
	ErrBusy = errors.New("a query is already running")
	// ErrEmptyPrompt is returned for empty or whitespace-only prompts.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoResult is returned by CopySQL when there is nothing to copy.
	ErrNoResult = errors.New("no query result")
)

// Asker sends a prompt to the API.
type Asker interface {
	Ask(ctx context.Context, dbToken, prompt string) (*sdk.QueryResult, error)
}

// Connection supplies the connection token a query runs against.
type Connection interface {
	Token() (string, error)
	Epoch() uint64
}

// Identity exposes the identity epoch.
type Identity interface {
	Epoch() uint64
}

// Clipboard receives copied text.
type Clipboard interface {
	Copy(text string) error
}

// Orchestrator owns the result and error state of one query view. At most one
// prompt is in flight at a time.
type Orchestrator struct {
	asker     Asker
	conn      Connection
	identity  Identity
	clipboard Clipboard

	mu     sync.Mutex
	busy   bool
	result *sdk.QueryResult
	err    error
}

func NewOrchestrator(asker Asker, conn Connection, identity Identity, clipboard Clipboard) *Orchestrator {
	return &Orchestrator{asker: asker, conn: conn, identity: identity, clipboard: clipboard}
}

// Submit sends prompt and records the outcome. A response that arrives after
// the identity or connection changed is dropped and reported as
// session.ErrSuperseded.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (*sdk.QueryResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.busy = true
	o.result = nil
	o.err = nil
	idEpoch, connEpoch := o.identity.Epoch(), o.conn.Epoch()
	o.mu.Unlock()

	res, err := o.ask(ctx, prompt)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
	if o.identity.Epoch() != idEpoch || o.conn.Epoch() != connEpoch {
		return nil, session.ErrSuperseded
	}
	if err != nil {
		o.err = err
		return nil, err
	}
	o.result = res
	return res, nil
}

func (o *Orchestrator) ask(ctx context.Context, prompt string) (*sdk.QueryResult, error) {
	token, err := o.conn.Token()
	if err != nil {
		return nil, err
	}
	return o.asker.Ask(ctx, token, prompt)
}

// Busy reports whether a prompt is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) Result() *sdk.QueryResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Reset clears result and error.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result = nil
	o.err = nil
}

// CopySQL puts the SQL of the current result on the clipboard.
func (o *Orchestrator) CopySQL() error {
	o.mu.Lock()
	res := o.result
	o.mu.Unlock()
	if res == nil {
		return ErrNoResult
	}
	return o.clipboard.Copy(res.SQL)
}
