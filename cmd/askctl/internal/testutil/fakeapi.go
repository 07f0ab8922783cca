package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// AskReply is a canned /query/ask response.
type AskReply struct {
	SQL             string           `json:"sql"`
	ColumnNames     []string         `json:"column_names"`
	Results         []map[string]any `json:"results"`
	ExecutionTimeMS float64          `json:"execution_time_ms"`
}

// CountUsers is the reply for "how many users".
var CountUsers = AskReply{
	SQL:             "SELECT COUNT(*) AS count FROM users",
	ColumnNames:     []string{"count"},
	Results:         []map[string]any{{"count": 42}},
	ExecutionTimeMS: 12,
}

// Request is one request the fake API received.
type Request struct {
	Path          string
	Authorization string
}

// FakeAPI is an in-process askdb API server.
type FakeAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	users    map[string]string
	tokens   map[string]bool
	dbTokens map[string]bool
	replies  map[string]AskReply
	requests []Request
}

// NewFakeAPI starts a server that knows user alice/secret and answers
// "how many users" with CountUsers. It is closed when t ends.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		users:    map[string]string{"alice": "secret"},
		tokens:   map[string]bool{},
		dbTokens: map[string]bool{},
		replies:  map[string]AskReply{"how many users": CountUsers},
	}

	r := chi.NewRouter()
	r.Post("/auth/login", f.login)
	r.Post("/db/connect", f.connect)
	r.Post("/query/ask", f.ask)

	f.Server = httptest.NewServer(f.recorder(r))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the server base URL.
func (f *FakeAPI) URL() string { return f.Server.URL }

// SetReply registers reply for prompt.
func (f *FakeAPI) SetReply(prompt string, reply AskReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[prompt] = reply
}

// IssueToken makes token acceptable as a bearer credential.
func (f *FakeAPI) IssueToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
}

// RevokeTokens invalidates every issued bearer token.
func (f *FakeAPI) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = map[string]bool{}
}

// Requests returns the requests received so far.
func (f *FakeAPI) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func (f *FakeAPI) recorder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, Request{Path: r.URL.Path, Authorization: r.Header.Get("Authorization")})
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (f *FakeAPI) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token]
}

func (f *FakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	f.mu.Lock()
	want, known := f.users[body.Username]
	f.mu.Unlock()
	if !known || want != body.Password {
		detail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	token := "tok-" + body.Username
	f.IssueToken(token)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (f *FakeAPI) connect(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		detail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var body struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	if body.Host == "unreachable" {
		detail(w, http.StatusBadRequest, "Failed to connect. Check credentials.")
		return
	}
	token := "db-" + body.Database
	f.mu.Lock()
	f.dbTokens[token] = true
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "db_token": token})
}

func (f *FakeAPI) ask(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		detail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var body struct {
		DBToken string `json:"db_token"`
		Prompt  string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	f.mu.Lock()
	validDB := f.dbTokens[body.DBToken]
	reply, known := f.replies[strings.ToLower(strings.TrimSpace(strings.TrimRight(body.Prompt, "?")))]
	f.mu.Unlock()
	if !validDB {
		detail(w, http.StatusUnauthorized, "Invalid or expired database session")
		return
	}
	if !known {
		detail(w, http.StatusBadRequest, "Database execution error: table not found")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
