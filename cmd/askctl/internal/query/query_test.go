package query

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askdb/askdb/cmd/askctl/internal/session"
	"github.com/askdb/askdb/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsker struct {
	mu      sync.Mutex
	result  *sdk.QueryResult
	err     error
	gate    chan struct{}
	started chan struct{}
	tokens  []string
}

func (f *fakeAsker) Ask(ctx context.Context, dbToken, prompt string) (*sdk.QueryResult, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, dbToken)
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	return f.result, f.err
}

type fakeConn struct {
	token string
	epoch atomic.Uint64
}

func (c *fakeConn) Token() (string, error) {
	if c.token == "" {
		return "", session.ErrNotConnected
	}
	return c.token, nil
}

func (c *fakeConn) Epoch() uint64 { return c.epoch.Load() }

type fakeIdentity struct{ epoch atomic.Uint64 }

func (i *fakeIdentity) Epoch() uint64 { return i.epoch.Load() }

type fakeClipboard struct{ copied []string }

func (c *fakeClipboard) Copy(text string) error {
	c.copied = append(c.copied, text)
	return nil
}

func countUsers() *sdk.QueryResult {
	return &sdk.QueryResult{
		SQL:             "SELECT COUNT(*) AS count FROM users",
		ColumnNames:     []string{"count"},
		Rows:            []sdk.Row{{"count": json.Number("42")}},
		ExecutionTimeMS: 12,
	}
}

type harness struct {
	asker *fakeAsker
	conn  *fakeConn
	id    *fakeIdentity
	clip  *fakeClipboard
	orch  *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		asker: &fakeAsker{result: countUsers()},
		conn:  &fakeConn{token: "T"},
		id:    &fakeIdentity{},
		clip:  &fakeClipboard{},
	}
	h.orch = NewOrchestrator(h.asker, h.conn, h.id, h.clip)
	return h
}

func TestSubmitCountUsers(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Submit(context.Background(), "how many users?")
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount())
	v, ok := res.Rows[0].Value("count")
	require.True(t, ok)
	assert.Equal(t, json.Number("42"), v)
	assert.Equal(t, 12*time.Millisecond, res.ExecutionTime())
	assert.Equal(t, []string{"T"}, h.asker.tokens)
	assert.Same(t, res, h.orch.Result())
	assert.NoError(t, h.orch.Err())
	assert.False(t, h.orch.Busy())

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, res, RenderOptions{Format: FormatTable}))
	out := buf.String()
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "12ms execution • 1 rows found")
}

func TestSubmitEmptyPrompt(t *testing.T) {
	h := newHarness()
	_, err := h.orch.Submit(context.Background(), "ok")
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), "   \t")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.NotNil(t, h.orch.Result(), "empty prompt must not change state")
	assert.Len(t, h.asker.tokens, 1)
}

func TestSubmitFailureClearsResult(t *testing.T) {
	h := newHarness()
	_, err := h.orch.Submit(context.Background(), "first")
	require.NoError(t, err)

	failure := &sdk.APIError{Op: sdk.OpAsk, StatusCode: 400, Detail: "Database execution error: no such table", Kind: sdk.ErrExecutionFailed}
	h.asker.result, h.asker.err = nil, failure

	_, err = h.orch.Submit(context.Background(), "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdk.ErrExecutionFailed)
	assert.Nil(t, h.orch.Result())
	assert.ErrorIs(t, h.orch.Err(), sdk.ErrExecutionFailed)

	h.asker.result, h.asker.err = countUsers(), nil
	_, err = h.orch.Submit(context.Background(), "third")
	require.NoError(t, err)
	assert.NoError(t, h.orch.Err())
	assert.NotNil(t, h.orch.Result())
}

func TestSubmitWithoutConnection(t *testing.T) {
	h := newHarness()
	h.conn.token = ""
	_, err := h.orch.Submit(context.Background(), "anything")
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Empty(t, h.asker.tokens)
}

func TestSubmitWhileBusy(t *testing.T) {
	h := newHarness()
	h.asker.gate = make(chan struct{})
	h.asker.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), "slow")
		done <- err
	}()
	<-h.asker.started
	assert.True(t, h.orch.Busy())

	_, err := h.orch.Submit(context.Background(), "again")
	assert.ErrorIs(t, err, ErrBusy)

	close(h.asker.gate)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Busy())
}

func TestLateResponseAfterLogoutIsDiscarded(t *testing.T) {
	for _, bump := range []string{"identity", "connection"} {
		t.Run(bump, func(t *testing.T) {
			h := newHarness()
			h.asker.gate = make(chan struct{})
			h.asker.started = make(chan struct{})

			done := make(chan error, 1)
			go func() {
				_, err := h.orch.Submit(context.Background(), "slow")
				done <- err
			}()
			<-h.asker.started
			if bump == "identity" {
				h.id.epoch.Add(1)
			} else {
				h.conn.epoch.Add(1)
			}
			close(h.asker.gate)

			assert.ErrorIs(t, <-done, session.ErrSuperseded)
			assert.Nil(t, h.orch.Result())
			assert.NoError(t, h.orch.Err())
			assert.False(t, h.orch.Busy())
		})
	}
}

func TestCopySQL(t *testing.T) {
	h := newHarness()
	assert.ErrorIs(t, h.orch.CopySQL(), ErrNoResult)
	assert.Empty(t, h.clip.copied)

	res, err := h.orch.Submit(context.Background(), "count users")
	require.NoError(t, err)

	require.NoError(t, h.orch.CopySQL())
	require.NoError(t, h.orch.CopySQL())
	assert.Equal(t, []string{res.SQL, res.SQL}, h.clip.copied)
	assert.Same(t, res, h.orch.Result())
}

func TestReset(t *testing.T) {
	h := newHarness()
	_, err := h.orch.Submit(context.Background(), "count users")
	require.NoError(t, err)
	h.orch.Reset()
	assert.Nil(t, h.orch.Result())
	assert.NoError(t, h.orch.Err())
}

func nullableResult() *sdk.QueryResult {
	return &sdk.QueryResult{
		SQL:         "SELECT name, nickname, email FROM users",
		ColumnNames: []string{"name", "nickname", "email"},
		Rows: []sdk.Row{
			{"name": "ada", "nickname": "", "email": nil},
			{"name": "bob"},
		},
		ExecutionTimeMS: 3.5,
	}
}

func TestRenderNullVersusEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, nullableResult(), RenderOptions{Format: FormatCSV}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ada,,null", lines[1])
	assert.Equal(t, "bob,null,null", lines[2])
}

func TestRenderMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, nullableResult(), RenderOptions{Format: FormatMarkdown}))
	out := buf.String()
	assert.Contains(t, out, "| ada |")
	assert.Contains(t, out, "null")
	assert.Contains(t, out, "3.5ms execution • 2 rows found")
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, nullableResult(), RenderOptions{Format: FormatJSON}))

	var got struct {
		Columns  []string         `json:"columns"`
		Rows     []map[string]any `json:"rows"`
		RowCount int              `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got.RowCount)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, "", got.Rows[0]["nickname"])
	assert.Nil(t, got.Rows[0]["email"])
	nickname, present := got.Rows[1]["nickname"]
	assert.True(t, present, "declared columns are always emitted")
	assert.Nil(t, nickname)
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	res := &sdk.QueryResult{SQL: "SELECT 1 WHERE 0", ColumnNames: []string{"x"}}
	require.NoError(t, Render(&buf, res, RenderOptions{Format: FormatTable, ShowSQL: true}))
	out := buf.String()
	assert.Contains(t, out, "SELECT 1 WHERE 0")
	assert.Contains(t, out, "(0 rows)")
	assert.Contains(t, out, "0 rows found")
}

func TestRenderColoredNull(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, nullableResult(), RenderOptions{Format: FormatTable, Color: true}))
	assert.Contains(t, buf.String(), NullMarker)
}

func TestRenderNoResult(t *testing.T) {
	assert.ErrorIs(t, Render(&bytes.Buffer{}, nil, RenderOptions{}), ErrNoResult)
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, "csv": FormatCSV, "md": FormatMarkdown, " markdown ": FormatMarkdown}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestOSC52Fallback(t *testing.T) {
	var buf bytes.Buffer
	c := NewTerminalClipboard(&buf)
	c.writers = nil
	c.getenv = func(string) string { return "" }

	require.NoError(t, c.Copy("SELECT 1"))
	// base64("SELECT 1") = U0VMRUNUIDE=
	assert.Contains(t, buf.String(), "U0VMRUNUIDE=")
	assert.True(t, strings.HasPrefix(buf.String(), "\x1b]52;"))
}

func TestOSC52Tmux(t *testing.T) {
	var buf bytes.Buffer
	c := NewTerminalClipboard(&buf)
	c.writers = nil
	c.getenv = func(k string) string {
		if k == "TMUX" {
			return "/tmp/tmux-0/default,1,0"
		}
		return ""
	}
	require.NoError(t, c.Copy("x"))
	assert.True(t, strings.HasPrefix(buf.String(), "\x1bPtmux;"))
}

func TestClipboardWithoutTerminal(t *testing.T) {
	c := NewTerminalClipboard(nil)
	c.writers = nil
	assert.Error(t, c.Copy("x"))
}
